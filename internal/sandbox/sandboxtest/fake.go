// Package sandboxtest provides an in-memory sandbox for tests.
package sandboxtest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openclaw/sandbox-controller-go/internal/sandbox"
)

// Script describes how a started process behaves. Commands without a script
// exit immediately with status 0 and no output.
type Script struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Hang keeps the process running until it is killed.
	Hang bool
	// KillHangs makes Kill block until its context is done.
	KillHangs bool
	// StartErr makes StartProcess fail.
	StartErr error
	// PortReady makes WaitForPort succeed after PortDelay. Otherwise
	// WaitForPort blocks until its context is done.
	PortReady bool
	PortDelay time.Duration
}

type MountCall struct {
	Bucket    string
	MountPath string
	Options   sandbox.MountOptions
}

type RecordedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   string
	Port   int
}

// Fake implements sandbox.Sandbox in memory.
type Fake struct {
	mu       sync.Mutex
	scripts  map[string]Script
	procs    []*Process
	starts   []string
	mounts   []MountCall
	requests []RecordedRequest
	nextID   int

	// ListErr is returned by ListProcesses when set.
	ListErr error
	// MountErr is returned by MountBucket when set.
	MountErr error
	// Handler serves Fetch calls. A nil handler answers 200.
	Handler http.Handler
	// FetchErr is returned by Fetch when set.
	FetchErr error
}

func New() *Fake {
	return &Fake{scripts: make(map[string]Script)}
}

// Script registers behaviour for every command starting with prefix. The
// longest matching prefix wins.
func (f *Fake) Script(prefix string, s Script) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[prefix] = s
}

// AddProcess places an already running process in the process table.
func (f *Fake) AddProcess(command string, s Script) *Process {
	f.mu.Lock()
	defer f.mu.Unlock()
	s.Hang = true
	return f.addLocked(command, s)
}

func (f *Fake) addLocked(command string, s Script) *Process {
	f.nextID++
	p := &Process{
		id:        fmt.Sprintf("proc-%d", f.nextID),
		command:   command,
		script:    s,
		running:   s.Hang,
		exitCode:  s.ExitCode,
		startedAt: time.Now(),
	}
	f.procs = append(f.procs, p)
	return p
}

func (f *Fake) scriptFor(command string) Script {
	keys := make([]string, 0, len(f.scripts))
	for k := range f.scripts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	for _, k := range keys {
		if strings.HasPrefix(command, k) {
			return f.scripts[k]
		}
	}
	return Script{}
}

func (f *Fake) ListProcesses(ctx context.Context) ([]sandbox.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	procs := make([]sandbox.Process, 0, len(f.procs))
	for _, p := range f.procs {
		procs = append(procs, p)
	}
	return procs, nil
}

func (f *Fake) StartProcess(ctx context.Context, command string, opts sandbox.StartOptions) (sandbox.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.starts = append(f.starts, command)
	s := f.scriptFor(command)
	if s.StartErr != nil {
		return nil, s.StartErr
	}
	if command == "mount" && s.Stdout == "" {
		s.Stdout = f.mountTableLocked()
	}
	return f.addLocked(command, s), nil
}

func (f *Fake) mountTableLocked() string {
	var b strings.Builder
	b.WriteString("overlay on / type overlay (rw,relatime)\n")
	for _, m := range f.mounts {
		fmt.Fprintf(&b, "s3fs on %s type fuse.s3fs (rw,nosuid,nodev)\n", m.MountPath)
	}
	return b.String()
}

func (f *Fake) MountBucket(ctx context.Context, bucket, mountPath string, opts sandbox.MountOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.MountErr != nil {
		return f.MountErr
	}
	f.mounts = append(f.mounts, MountCall{Bucket: bucket, MountPath: mountPath, Options: opts})
	return nil
}

func (f *Fake) Fetch(ctx context.Context, req *http.Request, port int) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	f.requests = append(f.requests, RecordedRequest{
		Method: req.Method,
		Path:   req.URL.Path,
		Header: req.Header.Clone(),
		Body:   string(body),
		Port:   port,
	})
	handler, fetchErr := f.Handler, f.FetchErr
	f.mu.Unlock()

	if fetchErr != nil {
		return nil, fetchErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if handler == nil {
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}

	in := req.Clone(ctx)
	in.Body = io.NopCloser(bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, in)
	return rec.Result(), nil
}

func (f *Fake) Starts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.starts...)
}

// StartCount counts StartProcess calls for commands starting with prefix.
func (f *Fake) StartCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.starts {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// Processes returns started or added processes whose command starts with
// prefix, oldest first.
func (f *Fake) Processes(prefix string) []*Process {
	f.mu.Lock()
	defer f.mu.Unlock()
	var procs []*Process
	for _, p := range f.procs {
		if strings.HasPrefix(p.command, prefix) {
			procs = append(procs, p)
		}
	}
	return procs
}

func (f *Fake) Mounts() []MountCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]MountCall(nil), f.mounts...)
}

func (f *Fake) Requests() []RecordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RecordedRequest(nil), f.requests...)
}

// Process is a scripted sandbox.Process.
type Process struct {
	id        string
	command   string
	script    Script
	startedAt time.Time

	mu       sync.Mutex
	running  bool
	exitCode int
	killed   bool
}

func (p *Process) ID() string      { return p.id }
func (p *Process) Command() string { return p.command }

func (p *Process) Status() sandbox.ProcessStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return sandbox.StatusRunning
	}
	return sandbox.StatusExited
}

func (p *Process) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return 0, false
	}
	return p.exitCode, true
}

func (p *Process) WaitForPort(ctx context.Context, port int, interval time.Duration) error {
	if !p.script.PortReady {
		<-ctx.Done()
		return fmt.Errorf("%w: %v", sandbox.ErrPortNotReady, ctx.Err())
	}
	if p.script.PortDelay <= 0 {
		return nil
	}
	select {
	case <-time.After(time.Until(p.startedAt.Add(p.script.PortDelay))):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", sandbox.ErrPortNotReady, ctx.Err())
	}
}

func (p *Process) Logs(ctx context.Context) (sandbox.Logs, error) {
	return sandbox.Logs{Stdout: p.script.Stdout, Stderr: p.script.Stderr}, nil
}

func (p *Process) Kill(ctx context.Context) error {
	if p.script.KillHangs {
		<-ctx.Done()
		return ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		p.running = false
		p.killed = true
		p.exitCode = 137
	}
	return nil
}

func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}
