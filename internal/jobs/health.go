package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/sandbox-controller-go/internal/model"
)

// StatusChecker is satisfied by service.GatewaySupervisor.
type StatusChecker interface {
	CheckStatus(ctx context.Context) model.GatewayStatus
}

// HealthJob probes the gateway periodically and logs state transitions.
type HealthJob struct {
	gateway  StatusChecker
	interval time.Duration
	last     model.GatewayState
	done     chan struct{}
}

func NewHealthJob(gateway StatusChecker, interval time.Duration) *HealthJob {
	return &HealthJob{
		gateway:  gateway,
		interval: interval,
		done:     make(chan struct{}),
	}
}

func (j *HealthJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("health job started")
}

func (j *HealthJob) Stop() {
	close(j.done)
	log.Info().Msg("health job stopped")
}

func (j *HealthJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.probe()
		}
	}
}

// probe returns whether the state changed since the previous probe.
func (j *HealthJob) probe() bool {
	status := j.gateway.CheckStatus(context.Background())
	changed := status.Status != j.last
	j.last = status.Status

	switch {
	case !changed:
		log.Debug().Str("status", string(status.Status)).Msg("gateway health")
	case status.OK:
		log.Info().Str("status", string(status.Status)).Str("processId", status.ProcessID).Msg("gateway healthy")
	default:
		log.Warn().
			Str("status", string(status.Status)).
			Str("processId", status.ProcessID).
			Str("error", status.Error).
			Msg("gateway unhealthy")
	}
	return changed
}
