package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/sandbox-controller-go/internal/model"
)

// Syncer is satisfied by service.StorageManager.
type Syncer interface {
	Configured() bool
	Sync(ctx context.Context) model.SyncResult
}

// BackupJob syncs gateway state into the bucket on a cron schedule. The
// schedule is checked every tick; a sync that overruns the next slot skips it.
type BackupJob struct {
	storage  Syncer
	schedule string
	tick     time.Duration
	timeout  time.Duration
	now      func() time.Time

	mu   sync.Mutex
	next time.Time

	done chan struct{}
}

func NewBackupJob(storage Syncer, schedule string, tick, timeout time.Duration) *BackupJob {
	return &BackupJob{
		storage:  storage,
		schedule: schedule,
		tick:     tick,
		timeout:  timeout,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Enabled reports whether the job has anything to do.
func (j *BackupJob) Enabled() bool {
	return j.schedule != "" && j.storage.Configured()
}

func (j *BackupJob) Start() {
	if !j.Enabled() {
		log.Info().Msg("backup job disabled")
		return
	}
	if err := j.scheduleNext(); err != nil {
		log.Error().Err(err).Str("schedule", j.schedule).Msg("invalid backup schedule, backup job disabled")
		return
	}

	go j.run()
	log.Info().Str("schedule", j.schedule).Time("next", j.nextRun()).Msg("backup job started")
}

func (j *BackupJob) Stop() {
	select {
	case <-j.done:
	default:
		close(j.done)
	}
	log.Info().Msg("backup job stopped")
}

func (j *BackupJob) run() {
	ticker := time.NewTicker(j.tick)
	defer ticker.Stop()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.runIfDue()
		}
	}
}

func (j *BackupJob) nextRun() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.next
}

// scheduleNext computes the next run strictly after now.
func (j *BackupJob) scheduleNext() error {
	next, err := gronx.NextTickAfter(j.schedule, j.now(), false)
	if err != nil {
		return err
	}
	j.mu.Lock()
	j.next = next
	j.mu.Unlock()
	return nil
}

// runIfDue runs a sync when the scheduled time has passed and reports
// whether it did.
func (j *BackupJob) runIfDue() bool {
	next := j.nextRun()
	if next.IsZero() || j.now().Before(next) {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	result := j.storage.Sync(ctx)
	if result.Success {
		log.Info().Msg("scheduled backup completed")
	} else {
		log.Error().Str("error", result.Error).Msg("scheduled backup failed")
	}

	if err := j.scheduleNext(); err != nil {
		log.Error().Err(err).Msg("failed to compute next backup time")
	}
	return true
}
