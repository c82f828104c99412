package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// PendingPruner drops pending device requests older than ttl.
type PendingPruner interface {
	PruneExpired(ctx context.Context, ttl time.Duration) (int64, error)
}

// CleanupJob expires pending device requests the operator never acted on.
type CleanupJob struct {
	devices  PendingPruner
	ttl      time.Duration
	interval time.Duration
	done     chan struct{}
}

func NewCleanupJob(devices PendingPruner, ttl, interval time.Duration) *CleanupJob {
	return &CleanupJob{
		devices:  devices,
		ttl:      ttl,
		interval: interval,
		done:     make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Dur("ttl", j.ttl).Msg("cleanup job started")
}

func (j *CleanupJob) Stop() {
	close(j.done)
	log.Info().Msg("cleanup job stopped")
}

func (j *CleanupJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	if j.ttl <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	count, err := j.devices.PruneExpired(ctx, j.ttl)
	if err != nil {
		log.Error().Err(err).Msg("failed to cleanup pending device requests")
	} else if count > 0 {
		log.Info().Int64("count", count).Msg("cleaned up pending device requests")
	}
}
