package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/openclaw/sandbox-controller-go/internal/errors"
	"github.com/openclaw/sandbox-controller-go/internal/model"
	"github.com/openclaw/sandbox-controller-go/internal/sandbox"
	"github.com/openclaw/sandbox-controller-go/internal/sandbox/sandboxtest"
)

type mockSyncStateStore struct {
	mock.Mock
}

func (m *mockSyncStateStore) LastSync(ctx context.Context) (*time.Time, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*time.Time), args.Error(1)
}

func (m *mockSyncStateStore) SetLastSync(ctx context.Context, at time.Time) error {
	args := m.Called(ctx, at)
	return args.Error(0)
}

type mockBucketProber struct {
	mock.Mock
}

func (m *mockBucketProber) HeadBucket(ctx context.Context, creds model.StorageCredentials) error {
	args := m.Called(ctx, creds)
	return args.Error(0)
}

func testCredentials() model.StorageCredentials {
	return model.StorageCredentials{
		AccessKeyID:     "access",
		SecretAccessKey: "secret",
		AccountID:       "acct123",
		Bucket:          "moltbot-data",
	}
}

func testStorageConfig() StorageConfig {
	return StorageConfig{
		Credentials:   testCredentials(),
		MountPath:     "/data/moltbot",
		SyncSourceDir: "/root/.openclaw",
		PollInterval:  10 * time.Millisecond,
		PollAttempts:  3,
		SyncTimeout:   time.Second,
	}
}

func TestStorageManager_Status(t *testing.T) {
	ctx := context.Background()

	t.Run("lists the missing secret key", func(t *testing.T) {
		cfg := testStorageConfig()
		cfg.Credentials.SecretAccessKey = ""
		state := new(mockSyncStateStore)
		state.On("LastSync", mock.Anything).Return(nil, nil)

		m := NewStorageManager(sandboxtest.New(), cfg, state, nil, nil)
		status := m.Status(ctx)

		assert.False(t, status.Configured)
		assert.Equal(t, []string{"secretKey"}, status.Missing)
		assert.Nil(t, status.LastSync)
	})

	t.Run("lists all missing credentials in a fixed order", func(t *testing.T) {
		m := NewStorageManager(sandboxtest.New(), StorageConfig{}, nil, nil, nil)
		status := m.Status(ctx)

		assert.False(t, status.Configured)
		assert.Equal(t, []string{"accessKey", "secretKey", "accountId"}, status.Missing)
	})

	t.Run("reports the last successful sync", func(t *testing.T) {
		at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		state := new(mockSyncStateStore)
		state.On("LastSync", mock.Anything).Return(&at, nil)

		m := NewStorageManager(sandboxtest.New(), testStorageConfig(), state, nil, nil)
		status := m.Status(ctx)

		assert.True(t, status.Configured)
		assert.Empty(t, status.Missing)
		require.NotNil(t, status.LastSync)
		assert.Equal(t, at, *status.LastSync)
	})

	t.Run("ignores a failing state store", func(t *testing.T) {
		state := new(mockSyncStateStore)
		state.On("LastSync", mock.Anything).Return(nil, errors.New("redis down"))

		m := NewStorageManager(sandboxtest.New(), testStorageConfig(), state, nil, nil)
		status := m.Status(ctx)

		assert.True(t, status.Configured)
		assert.Nil(t, status.LastSync)
	})
}

func TestStorageManager_Mount(t *testing.T) {
	ctx := context.Background()

	t.Run("does not mount without credentials", func(t *testing.T) {
		sb := sandboxtest.New()
		cfg := testStorageConfig()
		cfg.Credentials.AccountID = ""
		m := NewStorageManager(sb, cfg, nil, nil, nil)

		ok, err := m.Mount(ctx)
		assert.False(t, ok)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeStorageNotConfigured))
		assert.Empty(t, sb.Mounts())
	})

	t.Run("mounts the bucket at the account endpoint", func(t *testing.T) {
		sb := sandboxtest.New()
		m := NewStorageManager(sb, testStorageConfig(), nil, nil, nil)

		ok, err := m.Mount(ctx)
		require.NoError(t, err)
		assert.True(t, ok)

		mounts := sb.Mounts()
		require.Len(t, mounts, 1)
		assert.Equal(t, "moltbot-data", mounts[0].Bucket)
		assert.Equal(t, "/data/moltbot", mounts[0].MountPath)
		assert.Equal(t, "https://acct123.r2.cloudflarestorage.com", mounts[0].Options.Endpoint)
		assert.Equal(t, "access", mounts[0].Options.AccessKeyID)
	})

	t.Run("skips mounting when already mounted", func(t *testing.T) {
		sb := sandboxtest.New()
		m := NewStorageManager(sb, testStorageConfig(), nil, nil, nil)

		_, err := m.Mount(ctx)
		require.NoError(t, err)
		ok, err := m.Mount(ctx)
		require.NoError(t, err)

		assert.True(t, ok)
		assert.Len(t, sb.Mounts(), 1)
	})

	t.Run("reports mount failures", func(t *testing.T) {
		sb := sandboxtest.New()
		sb.MountErr = errors.New("fuse: device not found")
		m := NewStorageManager(sb, testStorageConfig(), nil, nil, nil)

		ok, err := m.Mount(ctx)
		assert.False(t, ok)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSandbox))
	})

	t.Run("treats a failed call as success when the path is mounted", func(t *testing.T) {
		sb := sandboxtest.New()
		sb.MountErr = errors.New("already mounted")
		sb.Script("mount", sandboxtest.Script{Stdout: "s3fs on /data/moltbot type fuse.s3fs (rw)\n"})
		m := NewStorageManager(sb, testStorageConfig(), nil, nil, nil)

		ok, err := m.Mount(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestStorageManager_VerifyMount(t *testing.T) {
	ctx := context.Background()

	t.Run("mount table failure does not stop the other probes", func(t *testing.T) {
		sb := sandboxtest.New()
		sb.Script("mount", sandboxtest.Script{Stdout: "overlay on / type overlay (rw)\n"})
		sb.Script("which s3fs", sandboxtest.Script{Stdout: "/usr/bin/s3fs\n"})
		sb.Script("ls -la", sandboxtest.Script{Stdout: "total 0\n---\nFilesystem Size\n"})

		cfg := testStorageConfig()
		cfg.PollInterval = 200 * time.Millisecond
		cfg.PollAttempts = 10
		m := NewStorageManager(sb, cfg, nil, nil, nil)

		ok, err := m.Mount(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		start := time.Now()
		diag := m.VerifyMount(ctx)
		elapsed := time.Since(start)

		assert.False(t, diag.MountTable.OK)
		assert.Equal(t, 10, diag.MountTable.Attempts)
		assert.Contains(t, diag.MountTable.Error, "/data/moltbot")

		assert.True(t, diag.HelperBinary.OK)
		assert.Equal(t, "/usr/bin/s3fs", diag.HelperPath)
		assert.True(t, diag.DataDir.OK)
		assert.Contains(t, diag.DataDir.Output, "---")

		assert.GreaterOrEqual(t, elapsed, 9*200*time.Millisecond)
		assert.Less(t, elapsed, 3*time.Second)
	})

	t.Run("reports a mounted path on the first attempt", func(t *testing.T) {
		sb := sandboxtest.New()
		sb.Script("which s3fs", sandboxtest.Script{Stdout: "/usr/bin/s3fs\n"})
		m := NewStorageManager(sb, testStorageConfig(), nil, nil, nil)

		_, err := m.Mount(ctx)
		require.NoError(t, err)

		diag := m.VerifyMount(ctx)
		assert.True(t, diag.MountTable.OK)
		assert.Equal(t, 1, diag.MountTable.Attempts)
		assert.Contains(t, diag.MountTable.Output, "/data/moltbot")
		assert.False(t, diag.CheckedAt.IsZero())
	})

	t.Run("missing helper binary is recorded as a probe error", func(t *testing.T) {
		sb := sandboxtest.New()
		sb.Script("which s3fs", sandboxtest.Script{ExitCode: 1})
		m := NewStorageManager(sb, testStorageConfig(), nil, nil, nil)

		diag := m.VerifyMount(ctx)
		assert.False(t, diag.HelperBinary.OK)
		assert.Contains(t, diag.HelperBinary.Error, "s3fs not found")
		assert.True(t, diag.DataDir.OK)
	})

	t.Run("data dir probe keeps its output on failure", func(t *testing.T) {
		sb := sandboxtest.New()
		sb.Script("ls -la", sandboxtest.Script{Stdout: "partial", Stderr: "No such file or directory", ExitCode: 2})
		m := NewStorageManager(sb, testStorageConfig(), nil, nil, nil)

		diag := m.VerifyMount(ctx)
		assert.False(t, diag.DataDir.OK)
		assert.Equal(t, "partial", diag.DataDir.Output)
		assert.Equal(t, "No such file or directory", diag.DataDir.Error)
	})

	t.Run("probes the bucket when configured", func(t *testing.T) {
		prober := new(mockBucketProber)
		prober.On("HeadBucket", mock.Anything, testCredentials()).Return(errors.New("403 Forbidden"))
		m := NewStorageManager(sandboxtest.New(), testStorageConfig(), nil, prober, nil)

		diag := m.VerifyMount(ctx)
		require.NotNil(t, diag.BucketAccess)
		assert.False(t, diag.BucketAccess.OK)
		assert.Contains(t, diag.BucketAccess.Error, "403")
		prober.AssertExpectations(t)
	})

	t.Run("skips the bucket probe without credentials", func(t *testing.T) {
		prober := new(mockBucketProber)
		m := NewStorageManager(sandboxtest.New(), StorageConfig{MountPath: "/data/moltbot", PollAttempts: 1}, nil, prober, nil)

		diag := m.VerifyMount(ctx)
		assert.Nil(t, diag.BucketAccess)
		prober.AssertNotCalled(t, "HeadBucket", mock.Anything, mock.Anything)
	})
}

func TestStorageManager_Sync(t *testing.T) {
	ctx := context.Background()

	t.Run("reports not configured without failing", func(t *testing.T) {
		sb := sandboxtest.New()
		m := NewStorageManager(sb, StorageConfig{}, nil, nil, nil)

		result := m.Sync(ctx)
		assert.False(t, result.Success)
		assert.Equal(t, "Storage is not configured", result.Error)
		assert.Empty(t, sb.Starts())
	})

	t.Run("copies the source dir and records the sync time", func(t *testing.T) {
		sb := sandboxtest.New()
		at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		state := new(mockSyncStateStore)
		state.On("SetLastSync", mock.Anything, at).Return(nil)

		m := NewStorageManager(sb, testStorageConfig(), state, nil, nil)
		m.now = func() time.Time { return at }

		result := m.Sync(ctx)
		require.True(t, result.Success, result.Error)
		require.NotNil(t, result.LastSync)
		assert.Equal(t, at, *result.LastSync)
		assert.Equal(t, 1, sb.StartCount("rsync -r --no-times --delete"))

		var rsync string
		for _, c := range sb.Starts() {
			if len(c) > 5 && c[:5] == "rsync" {
				rsync = c
			}
		}
		assert.Contains(t, rsync, "'/root/.openclaw/' '/data/moltbot/openclaw/'")
		assert.Contains(t, rsync, "--exclude='*.lock'")
		state.AssertExpectations(t)
	})

	t.Run("does not record a failed sync", func(t *testing.T) {
		sb := sandboxtest.New()
		sb.Script("rsync", sandboxtest.Script{Stderr: "rsync: write failed", ExitCode: 23})
		state := new(mockSyncStateStore)

		m := NewStorageManager(sb, testStorageConfig(), state, nil, nil)
		result := m.Sync(ctx)

		assert.False(t, result.Success)
		assert.Equal(t, "rsync: write failed", result.Error)
		assert.Nil(t, result.LastSync)
		state.AssertNotCalled(t, "SetLastSync", mock.Anything, mock.Anything)
	})

	t.Run("fails when the source dir is missing", func(t *testing.T) {
		sb := sandboxtest.New()
		sb.Script("test -d", sandboxtest.Script{ExitCode: 1})
		m := NewStorageManager(sb, testStorageConfig(), nil, nil, nil)

		result := m.Sync(ctx)
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "/root/.openclaw")
		assert.Equal(t, 0, sb.StartCount("rsync"))
	})

	t.Run("kills an rsync that outlives the sync timeout", func(t *testing.T) {
		sb := sandboxtest.New()
		sb.Script("rsync", sandboxtest.Script{Hang: true})
		cfg := testStorageConfig()
		cfg.SyncTimeout = 100 * time.Millisecond
		m := NewStorageManager(sb, cfg, nil, nil, nil)

		first := m.Sync(ctx)
		second := m.Sync(ctx)
		assert.False(t, first.Success)
		assert.False(t, second.Success)

		rsyncs := sb.Processes("rsync")
		require.Len(t, rsyncs, 2)
		for _, p := range rsyncs {
			assert.True(t, p.Killed())
			assert.Equal(t, sandbox.StatusExited, p.Status())
		}
	})

	t.Run("fails when the bucket cannot be mounted", func(t *testing.T) {
		sb := sandboxtest.New()
		sb.MountErr = errors.New("transport endpoint is not connected")
		m := NewStorageManager(sb, testStorageConfig(), nil, nil, nil)

		result := m.Sync(ctx)
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "transport endpoint")
	})
}

func TestFindMountLine(t *testing.T) {
	table := "overlay on / type overlay (rw)\ns3fs on /data/moltbot type fuse.s3fs (rw)\n"

	line, ok := findMountLine(table, "/data/moltbot")
	assert.True(t, ok)
	assert.Equal(t, "s3fs on /data/moltbot type fuse.s3fs (rw)", line)

	_, ok = findMountLine(table, "/data")
	assert.False(t, ok)
}
