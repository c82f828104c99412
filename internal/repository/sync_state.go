package repository

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	redisclient "github.com/openclaw/sandbox-controller-go/internal/redis"
)

// SyncStateRepository stores the last successful storage sync in Redis so it
// survives controller restarts.
type SyncStateRepository struct {
	client *redisclient.Client
}

func NewSyncStateRepository(client *redisclient.Client) *SyncStateRepository {
	return &SyncStateRepository{client: client}
}

func (r *SyncStateRepository) LastSync(ctx context.Context) (*time.Time, error) {
	val, err := r.client.Get(ctx, redisclient.LastSyncKey()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	at, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return nil, err
	}
	return &at, nil
}

func (r *SyncStateRepository) SetLastSync(ctx context.Context, at time.Time) error {
	return r.client.Set(ctx, redisclient.LastSyncKey(), at.UTC().Format(time.RFC3339Nano), 0).Err()
}
