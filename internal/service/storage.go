package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/openclaw/sandbox-controller-go/internal/errors"
	"github.com/openclaw/sandbox-controller-go/internal/model"
	"github.com/openclaw/sandbox-controller-go/internal/sandbox"
)

const (
	mountHelper     = "s3fs"
	syncSubdir      = "openclaw"
	lastSyncMarker  = ".last-sync"
	probeOutputTail = 4 << 10
)

type StorageConfig struct {
	Credentials   model.StorageCredentials
	MountPath     string
	DataDir       string
	SyncSourceDir string
	PollInterval  time.Duration
	PollAttempts  int
	SyncTimeout   time.Duration
}

// SyncStateStore persists the time of the last successful sync.
type SyncStateStore interface {
	LastSync(ctx context.Context) (*time.Time, error)
	SetLastSync(ctx context.Context, at time.Time) error
}

// BucketProber checks that the bucket is reachable with the configured
// credentials, independently of the mount.
type BucketProber interface {
	HeadBucket(ctx context.Context, creds model.StorageCredentials) error
}

// StorageManager mounts the R2 bucket into the sandbox and corroborates the
// mount with independent probes. A mount call succeeding is never taken as
// proof the mount is usable.
type StorageManager struct {
	sb     sandbox.Sandbox
	cfg    StorageConfig
	state  SyncStateStore
	prober BucketProber
	events EventPublisher
	now    func() time.Time

	mountMu sync.Mutex
	syncMu  sync.Mutex
}

func NewStorageManager(sb sandbox.Sandbox, cfg StorageConfig, state SyncStateStore, prober BucketProber, events EventPublisher) *StorageManager {
	if cfg.DataDir == "" {
		cfg.DataDir = cfg.MountPath
	}
	if events == nil {
		events = noopPublisher{}
	}
	return &StorageManager{
		sb:     sb,
		cfg:    cfg,
		state:  state,
		prober: prober,
		events: events,
		now:    time.Now,
	}
}

// R2Endpoint is the S3-compatible endpoint of a Cloudflare account.
func R2Endpoint(accountID string) string {
	return fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID)
}

func (m *StorageManager) Configured() bool {
	return m.cfg.Credentials.Configured()
}

func (m *StorageManager) pollPolicy() sandbox.PollPolicy {
	return sandbox.PollPolicy{Interval: m.cfg.PollInterval, Attempts: m.cfg.PollAttempts}
}

// Status derives the configuration state on every call.
func (m *StorageManager) Status(ctx context.Context) model.StorageStatus {
	missing := m.cfg.Credentials.Missing()
	status := model.StorageStatus{
		Configured: len(missing) == 0,
		Missing:    missing,
	}

	if m.state != nil {
		lastSync, err := m.state.LastSync(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("failed to read last sync time")
		} else {
			status.LastSync = lastSync
		}
	}
	return status
}

// Mount mounts the bucket at the mount path unless it is already mounted.
// The result reports whether the mount call succeeded, not whether the mount
// is usable; use VerifyMount for that.
func (m *StorageManager) Mount(ctx context.Context) (bool, error) {
	creds := m.cfg.Credentials
	if missing := creds.Missing(); len(missing) > 0 {
		return false, apperrors.StorageNotConfigured(missing)
	}

	m.mountMu.Lock()
	defer m.mountMu.Unlock()

	if mounted, _ := m.isMounted(ctx); mounted {
		log.Debug().Str("mountPath", m.cfg.MountPath).Msg("bucket already mounted")
		return true, nil
	}

	log.Info().
		Str("bucket", creds.Bucket).
		Str("mountPath", m.cfg.MountPath).
		Msg("mounting bucket")

	err := m.sb.MountBucket(ctx, creds.Bucket, m.cfg.MountPath, sandbox.MountOptions{
		Endpoint:        R2Endpoint(creds.AccountID),
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: creds.SecretAccessKey,
	})
	if err != nil {
		// The helper can report failure after the mount went through.
		if mounted, _ := m.isMounted(ctx); mounted {
			log.Warn().Err(err).Msg("mount reported an error but the path is mounted")
			return true, nil
		}
		log.Error().Err(err).Str("bucket", creds.Bucket).Msg("failed to mount bucket")
		return false, apperrors.Sandbox(err)
	}

	log.Info().Str("mountPath", m.cfg.MountPath).Msg("bucket mounted")
	m.events.Publish(ctx, EventStorageMounted, map[string]any{"mountPath": m.cfg.MountPath})
	return true, nil
}

func (m *StorageManager) isMounted(ctx context.Context) (bool, error) {
	res, err := sandbox.Run(ctx, m.sb, "mount", m.pollPolicy())
	if err != nil {
		return false, err
	}
	_, ok := findMountLine(res.Stdout, m.cfg.MountPath)
	return ok, nil
}

// findMountLine looks for "<source> on <path> type ..." in mount output.
func findMountLine(table, path string) (string, bool) {
	for _, line := range strings.Split(table, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 3 && fields[1] == "on" && fields[2] == path {
			return line, true
		}
	}
	return "", false
}

// VerifyMount runs every diagnostic probe concurrently. A failing probe is
// recorded in its own result and never stops the others.
func (m *StorageManager) VerifyMount(ctx context.Context) model.MountDiagnostics {
	diag := model.MountDiagnostics{MountPath: m.cfg.MountPath}

	var g errgroup.Group
	g.Go(func() error {
		diag.MountTable = m.probeMountTable(ctx)
		return nil
	})
	g.Go(func() error {
		diag.HelperBinary, diag.HelperPath = m.probeHelperBinary(ctx)
		return nil
	})
	g.Go(func() error {
		diag.DataDir = m.probeDataDir(ctx)
		return nil
	})
	if m.prober != nil && m.cfg.Credentials.Configured() {
		g.Go(func() error {
			r := m.probeBucket(ctx)
			diag.BucketAccess = &r
			return nil
		})
	}
	_ = g.Wait()

	diag.CheckedAt = m.now()
	return diag
}

func (m *StorageManager) probeMountTable(ctx context.Context) model.ProbeResult {
	var (
		lastOutput string
		lastErr    error
	)

	for attempt := 1; attempt <= m.cfg.PollAttempts; attempt++ {
		res, err := sandbox.Run(ctx, m.sb, "mount", m.pollPolicy())
		if err != nil {
			lastErr = err
		} else {
			lastOutput = res.Stdout
			if line, ok := findMountLine(res.Stdout, m.cfg.MountPath); ok {
				return model.ProbeResult{OK: true, Output: line, Attempts: attempt}
			}
		}

		if attempt == m.cfg.PollAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return m.probeFailure("mount table", lastOutput, ctx.Err(), attempt)
		case <-time.After(m.cfg.PollInterval):
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("%s not found in mount table after %d attempts", m.cfg.MountPath, m.cfg.PollAttempts)
	}
	return m.probeFailure("mount table", lastOutput, lastErr, m.cfg.PollAttempts)
}

func (m *StorageManager) probeHelperBinary(ctx context.Context) (model.ProbeResult, string) {
	res, err := sandbox.Run(ctx, m.sb, "which "+mountHelper, m.pollPolicy())
	if err != nil {
		return m.probeFailure("helper binary", "", err, 1), ""
	}

	path := strings.TrimSpace(res.Stdout)
	if !res.Succeeded() || path == "" {
		return m.probeFailure("helper binary", res.Stderr, fmt.Errorf("%s not found on PATH", mountHelper), 1), ""
	}
	return model.ProbeResult{OK: true, Output: path, Attempts: 1}, path
}

func (m *StorageManager) probeDataDir(ctx context.Context) model.ProbeResult {
	dir := sandbox.ShellQuote(m.cfg.DataDir)
	cmd := fmt.Sprintf(`ls -la %s; echo "---"; df -h %s`, dir, dir)

	res, err := sandbox.Run(ctx, m.sb, cmd, m.pollPolicy())
	if err != nil {
		return m.probeFailure("data dir", "", err, 1)
	}
	if !res.Exited {
		return m.probeFailure("data dir", res.Stdout, fmt.Errorf("command did not finish"), 1)
	}
	if !res.Succeeded() {
		reason := strings.TrimSpace(res.Stderr)
		if reason == "" {
			reason = fmt.Sprintf("exit code %d", res.ExitCode)
		}
		return m.probeFailure("data dir", res.Stdout, fmt.Errorf("%s", reason), 1)
	}
	return model.ProbeResult{OK: true, Output: tail(res.Stdout), Attempts: 1}
}

func (m *StorageManager) probeBucket(ctx context.Context) model.ProbeResult {
	if err := m.prober.HeadBucket(ctx, m.cfg.Credentials); err != nil {
		return m.probeFailure("bucket access", "", err, 1)
	}
	return model.ProbeResult{OK: true, Output: m.cfg.Credentials.Bucket, Attempts: 1}
}

func (m *StorageManager) probeFailure(probe, output string, cause error, attempts int) model.ProbeResult {
	err := apperrors.MountDiagnostic(probe, cause)
	log.Warn().Err(err).Str("mountPath", m.cfg.MountPath).Msg("mount diagnostic failed")
	return model.ProbeResult{
		OK:       false,
		Output:   tail(output),
		Error:    cause.Error(),
		Attempts: attempts,
	}
}

func tail(s string) string {
	if len(s) <= probeOutputTail {
		return s
	}
	return s[len(s)-probeOutputTail:]
}

// Sync copies the gateway state directory into the mounted bucket. Only one
// sync runs at a time; a call made while another is in flight fails fast.
func (m *StorageManager) Sync(ctx context.Context) model.SyncResult {
	if missing := m.cfg.Credentials.Missing(); len(missing) > 0 {
		err := apperrors.StorageNotConfigured(missing)
		return model.SyncResult{Success: false, Error: err.Message}
	}

	if !m.syncMu.TryLock() {
		return model.SyncResult{Success: false, Error: "sync already in progress"}
	}
	defer m.syncMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.SyncTimeout)
	defer cancel()

	mounted, err := m.Mount(ctx)
	if err != nil || !mounted {
		reason := "storage not mounted"
		if err != nil {
			reason = err.Error()
		}
		return model.SyncResult{Success: false, Error: reason}
	}

	if ok, _ := m.isMounted(ctx); !ok {
		return model.SyncResult{Success: false, Error: "mount path not present in mount table"}
	}

	src := sandbox.ShellQuote(strings.TrimSuffix(m.cfg.SyncSourceDir, "/") + "/")
	res, err := sandbox.Run(ctx, m.sb, "test -d "+src, m.pollPolicy())
	if err != nil || !res.Succeeded() {
		return model.SyncResult{Success: false, Error: "sync source directory missing: " + m.cfg.SyncSourceDir}
	}

	res, err = sandbox.Run(ctx, m.sb, m.syncCommand(), m.syncPolicy())
	if err != nil {
		return model.SyncResult{Success: false, Error: err.Error()}
	}
	if !res.Exited {
		return model.SyncResult{Success: false, Error: "sync timed out"}
	}
	if !res.Succeeded() {
		reason := strings.TrimSpace(res.Stderr)
		if reason == "" {
			reason = fmt.Sprintf("rsync exited with code %d", res.ExitCode)
		}
		log.Error().Str("stderr", res.Stderr).Int("exitCode", res.ExitCode).Msg("sync failed")
		return model.SyncResult{Success: false, Error: reason}
	}

	at := m.now().UTC()
	if m.state != nil {
		if err := m.state.SetLastSync(ctx, at); err != nil {
			log.Warn().Err(err).Msg("failed to record last sync time")
		}
	}

	log.Info().Time("lastSync", at).Msg("sync completed")
	m.events.Publish(ctx, EventStorageSynced, map[string]any{"lastSync": at})
	return model.SyncResult{Success: true, LastSync: &at}
}

func (m *StorageManager) syncCommand() string {
	src := sandbox.ShellQuote(strings.TrimSuffix(m.cfg.SyncSourceDir, "/") + "/")
	dst := sandbox.ShellQuote(m.cfg.MountPath + "/" + syncSubdir + "/")
	marker := sandbox.ShellQuote(m.cfg.MountPath + "/" + lastSyncMarker)

	return fmt.Sprintf(
		"rsync -r --no-times --delete --exclude='*.lock' --exclude='*.log' --exclude='*.tmp' %s %s && date -Iseconds > %s",
		src, dst, marker,
	)
}

func (m *StorageManager) syncPolicy() sandbox.PollPolicy {
	interval := m.cfg.PollInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return sandbox.PollPolicy{
		Interval: interval,
		Attempts: int(m.cfg.SyncTimeout / interval),
	}
}
