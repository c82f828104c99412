package service

import (
	"context"
	"time"

	"github.com/openclaw/sandbox-controller-go/internal/config"
	apperrors "github.com/openclaw/sandbox-controller-go/internal/errors"
	"github.com/openclaw/sandbox-controller-go/internal/model"
	"github.com/openclaw/sandbox-controller-go/internal/repository"
	"github.com/openclaw/sandbox-controller-go/internal/util"
)

// AdminService authenticates the operator UI with a bcrypt password and
// Redis-backed session cookies.
type AdminService struct {
	sessionRepo   repository.AdminSessionRepository
	passwordHash  string
	sessionSecret string
	now           func() time.Time
}

func NewAdminService(sessionRepo repository.AdminSessionRepository, passwordHash, sessionSecret string) *AdminService {
	return &AdminService{
		sessionRepo:   sessionRepo,
		passwordHash:  passwordHash,
		sessionSecret: sessionSecret,
		now:           time.Now,
	}
}

// Configured reports whether an admin password has been set. Without one the
// admin surface is unavailable rather than open.
func (s *AdminService) Configured() bool {
	return s.passwordHash != ""
}

// Login returns a new session token, or "" when the password is wrong.
func (s *AdminService) Login(ctx context.Context, password, remoteIP string) (string, error) {
	if !s.Configured() {
		return "", apperrors.ServiceUnavailable("Admin password is not configured")
	}
	if !util.CheckPasswordHash(password, s.passwordHash) {
		return "", nil
	}

	token, err := util.GenerateToken()
	if err != nil {
		return "", err
	}

	now := s.now()
	err = s.sessionRepo.Create(ctx, model.AdminSession{
		TokenHash: util.HmacSHA256(s.sessionSecret, token),
		RemoteIP:  remoteIP,
		CreatedAt: now,
		ExpiresAt: now.Add(config.AdminSessionTTL),
	})
	if err != nil {
		return "", err
	}

	return token, nil
}

func (s *AdminService) Logout(ctx context.Context, token string) error {
	return s.sessionRepo.DeleteByTokenHash(ctx, util.HmacSHA256(s.sessionSecret, token))
}

func (s *AdminService) ValidateSession(ctx context.Context, token string) bool {
	if token == "" {
		return false
	}
	session, err := s.sessionRepo.FindByTokenHash(ctx, util.HmacSHA256(s.sessionSecret, token))
	return err == nil && session != nil
}
