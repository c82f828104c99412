// Package sandbox describes the execution host the gateway runs in.
//
// The controller never spawns or inspects the gateway directly; it goes
// through the Sandbox capability so the host can be swapped (the local
// process table in production containers, an in-memory fake in tests).
package sandbox

import (
	"context"
	"errors"
	"net/http"
	"time"
)

type ProcessStatus string

const (
	StatusRunning ProcessStatus = "running"
	StatusExited  ProcessStatus = "exited"
	StatusUnknown ProcessStatus = "unknown"
)

// ErrPortNotReady is returned by WaitForPort when the port did not accept a
// TCP connection before the context ended.
var ErrPortNotReady = errors.New("port not ready")

type Logs struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

type StartOptions struct {
	Env map[string]string
	Dir string
}

type MountOptions struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

type Process interface {
	ID() string
	Command() string
	Status() ProcessStatus
	// ExitCode reports the exit code once the process has exited.
	ExitCode() (int, bool)
	// WaitForPort blocks until port accepts a TCP connection, polling every
	// interval, or until ctx is done.
	WaitForPort(ctx context.Context, port int, interval time.Duration) error
	Logs(ctx context.Context) (Logs, error)
	Kill(ctx context.Context) error
}

type Sandbox interface {
	ListProcesses(ctx context.Context) ([]Process, error)
	StartProcess(ctx context.Context, command string, opts StartOptions) (Process, error)
	MountBucket(ctx context.Context, bucket, mountPath string, opts MountOptions) error
	// Fetch sends req to a service listening on port inside the sandbox.
	Fetch(ctx context.Context, req *http.Request, port int) (*http.Response, error)
}
