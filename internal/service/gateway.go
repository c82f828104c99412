package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/openclaw/sandbox-controller-go/internal/errors"
	"github.com/openclaw/sandbox-controller-go/internal/model"
	"github.com/openclaw/sandbox-controller-go/internal/sandbox"
)

const (
	gatewayFlightKey   = "gateway"
	defaultKillTimeout = 5 * time.Second
)

type GatewayConfig struct {
	Command      string
	Match        []string
	Port         int
	StartTimeout time.Duration
	ProbeTimeout time.Duration
	PollInterval time.Duration
	Workdir      string
	Env          map[string]string

	// KillTimeout bounds how long Restart waits for the old process to die.
	KillTimeout time.Duration
}

// GatewaySupervisor finds, starts and probes the gateway process inside the
// sandbox. Starts are shared between concurrent callers and restarts are
// serialized.
type GatewaySupervisor struct {
	sb     sandbox.Sandbox
	cfg    GatewayConfig
	events EventPublisher

	mu     sync.Mutex
	flight singleflight.Group
}

func NewGatewaySupervisor(sb sandbox.Sandbox, cfg GatewayConfig, events EventPublisher) *GatewaySupervisor {
	if events == nil {
		events = noopPublisher{}
	}
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = defaultKillTimeout
	}
	return &GatewaySupervisor{
		sb:     sb,
		cfg:    cfg,
		events: events,
	}
}

func (s *GatewaySupervisor) Port() int {
	return s.cfg.Port
}

// FindExisting returns the first running process whose command matches the
// gateway, or nil. It never starts anything.
func (s *GatewaySupervisor) FindExisting(ctx context.Context) (sandbox.Process, error) {
	procs, err := s.sb.ListProcesses(ctx)
	if err != nil {
		return nil, apperrors.Sandbox(err)
	}

	for _, p := range procs {
		if p.Status() != sandbox.StatusRunning {
			continue
		}
		if s.matches(p.Command()) {
			return p, nil
		}
	}
	return nil, nil
}

func (s *GatewaySupervisor) matches(command string) bool {
	for _, m := range s.cfg.Match {
		if m != "" && strings.Contains(command, m) {
			return true
		}
	}
	return command == s.cfg.Command
}

// EnsureRunning returns the live gateway process, starting one if needed and
// waiting for its port. Concurrent callers share the same start.
func (s *GatewaySupervisor) EnsureRunning(ctx context.Context) (sandbox.Process, error) {
	ch := s.flight.DoChan(gatewayFlightKey, func() (any, error) {
		return s.ensureRunning(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return nil, apperrors.GatewayNotReady("", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(sandbox.Process), nil
	}
}

func (s *GatewaySupervisor) ensureRunning(ctx context.Context) (sandbox.Process, error) {
	s.mu.Lock()
	proc, err := s.FindExisting(ctx)
	if err != nil {
		s.mu.Unlock()
		return nil, apperrors.GatewayNotReady("", err)
	}
	if proc != nil {
		s.mu.Unlock()
		return proc, nil
	}

	proc, err = s.start(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, apperrors.GatewayNotReady("", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.StartTimeout)
	defer cancel()

	started := time.Now()
	if err := proc.WaitForPort(waitCtx, s.cfg.Port, s.cfg.PollInterval); err != nil {
		log.Warn().
			Err(err).
			Str("processId", proc.ID()).
			Int("port", s.cfg.Port).
			Dur("waited", time.Since(started)).
			Msg("gateway did not open its port in time")
		return nil, apperrors.GatewayNotReady(proc.ID(), err)
	}

	log.Info().
		Str("processId", proc.ID()).
		Dur("startup", time.Since(started)).
		Msg("gateway ready")

	return proc, nil
}

func (s *GatewaySupervisor) start(ctx context.Context) (sandbox.Process, error) {
	proc, err := s.sb.StartProcess(ctx, s.cfg.Command, sandbox.StartOptions{
		Env: s.cfg.Env,
		Dir: s.cfg.Workdir,
	})
	if err != nil {
		log.Error().Err(err).Str("command", s.cfg.Command).Msg("failed to start gateway")
		return nil, err
	}

	log.Info().
		Str("processId", proc.ID()).
		Str("command", s.cfg.Command).
		Msg("gateway process started")

	s.events.Publish(ctx, EventGatewayStarted, map[string]any{"processId": proc.ID()})
	return proc, nil
}

// CheckStatus distinguishes a missing gateway from one that exists but does
// not answer on its port.
func (s *GatewaySupervisor) CheckStatus(ctx context.Context) model.GatewayStatus {
	proc, err := s.FindExisting(ctx)
	if err != nil {
		return model.GatewayStatus{
			OK:     false,
			Status: model.GatewayError,
			Error:  err.Error(),
		}
	}
	if proc == nil {
		return model.GatewayStatus{OK: false, Status: model.GatewayNotRunning}
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	if err := proc.WaitForPort(probeCtx, s.cfg.Port, s.cfg.PollInterval); err != nil {
		status := model.GatewayStatus{
			OK:        false,
			Status:    model.GatewayNotResponding,
			ProcessID: proc.ID(),
		}
		if !errors.Is(err, sandbox.ErrPortNotReady) {
			status.Error = err.Error()
		}
		return status
	}

	return model.GatewayStatus{OK: true, Status: model.GatewayRunning, ProcessID: proc.ID()}
}

// Restart kills the current gateway, if any, and starts a new one without
// waiting for it to become ready.
func (s *GatewaySupervisor) Restart(ctx context.Context) model.RestartResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.FindExisting(ctx)
	if err != nil {
		return model.RestartResult{Success: false, Error: err.Error()}
	}

	if existing != nil {
		killCtx, cancel := context.WithTimeout(ctx, s.cfg.KillTimeout)
		err := existing.Kill(killCtx)
		cancel()
		if err != nil {
			log.Error().Err(err).Str("processId", existing.ID()).Msg("failed to kill gateway")
			return model.RestartResult{Success: false, Error: "kill gateway: " + err.Error()}
		}
		log.Info().Str("processId", existing.ID()).Msg("gateway process killed")
	}

	proc, err := s.start(ctx)
	if err != nil {
		return model.RestartResult{Success: false, Error: "start gateway: " + err.Error()}
	}

	return model.RestartResult{Success: true, ProcessID: proc.ID()}
}

// Logs returns the output of the live gateway process.
func (s *GatewaySupervisor) Logs(ctx context.Context) (*model.GatewayLogs, error) {
	proc, err := s.FindExisting(ctx)
	if err != nil {
		return nil, err
	}
	if proc == nil {
		return nil, apperrors.NotFound("gateway process")
	}

	logs, err := proc.Logs(ctx)
	if err != nil {
		return nil, apperrors.Sandbox(err)
	}

	return &model.GatewayLogs{
		ProcessID: proc.ID(),
		Stdout:    logs.Stdout,
		Stderr:    logs.Stderr,
	}, nil
}
