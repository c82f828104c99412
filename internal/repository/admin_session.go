package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openclaw/sandbox-controller-go/internal/model"
	redisclient "github.com/openclaw/sandbox-controller-go/internal/redis"
)

type AdminSessionRepository interface {
	FindByTokenHash(ctx context.Context, tokenHash string) (*model.AdminSession, error)
	Create(ctx context.Context, session model.AdminSession) error
	DeleteByTokenHash(ctx context.Context, tokenHash string) error
}

// adminSessionRepo keeps sessions in Redis; expiry is left to the key TTL.
type adminSessionRepo struct {
	client *redisclient.Client
}

func NewAdminSessionRepository(client *redisclient.Client) AdminSessionRepository {
	return &adminSessionRepo{client: client}
}

func (r *adminSessionRepo) FindByTokenHash(ctx context.Context, tokenHash string) (*model.AdminSession, error) {
	data, err := r.client.Get(ctx, redisclient.AdminSessionKey(tokenHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var session model.AdminSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	if time.Now().After(session.ExpiresAt) {
		return nil, nil
	}
	session.TokenHash = tokenHash
	return &session, nil
}

func (r *adminSessionRepo) Create(ctx context.Context, session model.AdminSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}

	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return errors.New("session already expired")
	}
	return r.client.Set(ctx, redisclient.AdminSessionKey(session.TokenHash), data, ttl).Err()
}

func (r *adminSessionRepo) DeleteByTokenHash(ctx context.Context, tokenHash string) error {
	return r.client.Del(ctx, redisclient.AdminSessionKey(tokenHash)).Err()
}
