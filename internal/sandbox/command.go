package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// abandonKillTimeout bounds the kill of a command Run gave up on. It runs
// detached from the caller's context, which may already be done.
const abandonKillTimeout = 5 * time.Second

// PollPolicy bounds how long a short-lived command is waited on.
type PollPolicy struct {
	Interval time.Duration
	Attempts int
}

type CommandResult struct {
	ProcessID string
	Stdout    string
	Stderr    string
	ExitCode  int
	Exited    bool
	Attempts  int
}

// Succeeded reports a clean exit with status 0.
func (r *CommandResult) Succeeded() bool {
	return r.Exited && r.ExitCode == 0
}

// Run starts command and polls its status until it exits or the policy is
// exhausted, then collects its logs. A command that is still running after
// the last attempt, or when ctx ends, is killed and returned with
// Exited=false and whatever output it had produced.
func Run(ctx context.Context, sb Sandbox, command string, policy PollPolicy) (*CommandResult, error) {
	proc, err := sb.StartProcess(ctx, command, StartOptions{})
	if err != nil {
		return nil, fmt.Errorf("start %q: %w", command, err)
	}

	result := &CommandResult{ProcessID: proc.ID()}

	for result.Attempts < policy.Attempts && proc.Status() == StatusRunning {
		select {
		case <-ctx.Done():
			abandon(ctx, proc, command)
			return result, ctx.Err()
		case <-time.After(policy.Interval):
		}
		result.Attempts++
	}

	if code, ok := proc.ExitCode(); ok {
		result.Exited = true
		result.ExitCode = code
	} else {
		abandon(ctx, proc, command)
	}

	logs, err := proc.Logs(ctx)
	if err != nil {
		return result, fmt.Errorf("logs of %q: %w", command, err)
	}
	result.Stdout = logs.Stdout
	result.Stderr = logs.Stderr

	return result, nil
}

func abandon(ctx context.Context, proc Process, command string) {
	killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonKillTimeout)
	defer cancel()

	if err := proc.Kill(killCtx); err != nil {
		log.Warn().Err(err).Str("processId", proc.ID()).Str("command", command).Msg("failed to kill abandoned command")
	}
}

// ShellQuote wraps s in single quotes for use in a /bin/sh command line.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
