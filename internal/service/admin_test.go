package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/openclaw/sandbox-controller-go/internal/errors"
	"github.com/openclaw/sandbox-controller-go/internal/model"
)

type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]model.AdminSession
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: make(map[string]model.AdminSession)}
}

func (m *memSessionRepo) FindByTokenHash(ctx context.Context, tokenHash string) (*model.AdminSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tokenHash]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *memSessionRepo) Create(ctx context.Context, session model.AdminSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.TokenHash] = session
	return nil
}

func (m *memSessionRepo) DeleteByTokenHash(ctx context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, tokenHash)
	return nil
}

func testPasswordHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func TestAdminService(t *testing.T) {
	ctx := context.Background()
	hash := testPasswordHash(t, "correct horse")

	t.Run("login with the right password creates a session", func(t *testing.T) {
		repo := newMemSessionRepo()
		s := NewAdminService(repo, hash, "session-secret")

		token, err := s.Login(ctx, "correct horse", "10.0.0.2")
		require.NoError(t, err)
		require.NotEmpty(t, token)

		assert.True(t, s.ValidateSession(ctx, token))
		assert.Len(t, repo.sessions, 1)
		for key, sess := range repo.sessions {
			assert.NotEqual(t, token, key)
			assert.Equal(t, "10.0.0.2", sess.RemoteIP)
		}
	})

	t.Run("login with the wrong password returns no token", func(t *testing.T) {
		repo := newMemSessionRepo()
		s := NewAdminService(repo, hash, "session-secret")

		token, err := s.Login(ctx, "wrong", "10.0.0.2")
		require.NoError(t, err)
		assert.Empty(t, token)
		assert.Empty(t, repo.sessions)
	})

	t.Run("login without a configured password is unavailable", func(t *testing.T) {
		s := NewAdminService(newMemSessionRepo(), "", "session-secret")

		assert.False(t, s.Configured())
		_, err := s.Login(ctx, "", "10.0.0.2")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeServiceUnavailable))
	})

	t.Run("logout invalidates the session", func(t *testing.T) {
		s := NewAdminService(newMemSessionRepo(), hash, "session-secret")

		token, err := s.Login(ctx, "correct horse", "")
		require.NoError(t, err)
		require.NoError(t, s.Logout(ctx, token))
		assert.False(t, s.ValidateSession(ctx, token))
	})

	t.Run("unknown and empty tokens are invalid", func(t *testing.T) {
		s := NewAdminService(newMemSessionRepo(), hash, "session-secret")

		assert.False(t, s.ValidateSession(ctx, ""))
		assert.False(t, s.ValidateSession(ctx, "deadbeef"))
	})
}
