package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-shellwords"
	"github.com/rs/zerolog/log"
)

const (
	maxLogBytes      = 256 << 10
	fetchTimeout     = 30 * time.Second
	shellMetaChars   = "|&;<>()$`*?[]#~\n"
	mountHelperName  = "s3fs"
	passwdFileSuffix = ".passwd-s3fs"

	// waitDelay bounds how long Wait keeps output pipes open after the
	// process exits, in case a detached descendant still holds them.
	waitDelay = 2 * time.Second
)

// LocalSandbox runs commands on the host the controller itself runs on. It
// only knows about processes it started.
type LocalSandbox struct {
	mu     sync.RWMutex
	procs  map[string]*localProcess
	order  []string
	host   string
	client *http.Client
}

func NewLocalSandbox() *LocalSandbox {
	return &LocalSandbox{
		procs: make(map[string]*localProcess),
		host:  "127.0.0.1",
		client: &http.Client{
			Timeout: fetchTimeout,
		},
	}
}

func (s *LocalSandbox) ListProcesses(ctx context.Context) ([]Process, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	procs := make([]Process, 0, len(s.order))
	for _, id := range s.order {
		procs = append(procs, s.procs[id])
	}
	return procs, nil
}

func (s *LocalSandbox) StartProcess(ctx context.Context, command string, opts StartOptions) (Process, error) {
	argv, err := commandArgv(command)
	if err != nil {
		return nil, err
	}

	// The process outlives the request that started it, so it is not bound
	// to ctx.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	p := &localProcess{
		id:      uuid.NewString(),
		command: command,
		cmd:     cmd,
		host:    s.host,
		done:    make(chan struct{}),
	}
	cmd.Stdout = &p.stdout
	cmd.Stderr = &p.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}

	go p.wait()

	s.mu.Lock()
	s.procs[p.id] = p
	s.order = append(s.order, p.id)
	s.pruneLocked()
	s.mu.Unlock()

	log.Debug().
		Str("processId", p.id).
		Str("command", command).
		Int("pid", cmd.Process.Pid).
		Msg("sandbox process started")

	return p, nil
}

// pruneLocked drops exited short-lived processes so the table does not grow
// without bound. The most recent entries are kept for log inspection.
func (s *LocalSandbox) pruneLocked() {
	const keepExited = 32

	exited := 0
	for i := len(s.order) - 1; i >= 0; i-- {
		id := s.order[i]
		if s.procs[id].Status() != StatusExited {
			continue
		}
		exited++
		if exited > keepExited {
			delete(s.procs, id)
			s.order = append(s.order[:i], s.order[i+1:]...)
		}
	}
}

func (s *LocalSandbox) MountBucket(ctx context.Context, bucket, mountPath string, opts MountOptions) error {
	if _, err := exec.LookPath(mountHelperName); err != nil {
		return fmt.Errorf("%s not installed: %w", mountHelperName, err)
	}

	if err := os.MkdirAll(mountPath, 0o755); err != nil {
		return fmt.Errorf("create mount point: %w", err)
	}

	passwdFile := filepath.Join(os.TempDir(), bucket+passwdFileSuffix)
	creds := opts.AccessKeyID + ":" + opts.SecretAccessKey
	if err := os.WriteFile(passwdFile, []byte(creds), 0o600); err != nil {
		return fmt.Errorf("write credentials file: %w", err)
	}

	mountOpts := strings.Join([]string{
		"passwd_file=" + passwdFile,
		"url=" + opts.Endpoint,
		"use_path_request_style",
		"nomixupload",
	}, ",")

	cmd := exec.CommandContext(ctx, mountHelperName, bucket, mountPath, "-o", mountOpts)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w (output: %s)", mountHelperName, bucket, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (s *LocalSandbox) Fetch(ctx context.Context, req *http.Request, port int) (*http.Response, error) {
	out := req.Clone(ctx)
	out.URL.Scheme = "http"
	out.URL.Host = net.JoinHostPort(s.host, strconv.Itoa(port))
	out.Host = out.URL.Host
	out.RequestURI = ""

	return s.client.Do(out)
}

// commandArgv runs plain commands directly and anything using shell syntax
// through /bin/sh.
func commandArgv(command string) ([]string, error) {
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("empty command")
	}
	if strings.ContainsAny(command, shellMetaChars) {
		return []string{"/bin/sh", "-c", command}, nil
	}

	argv, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	return argv, nil
}

type localProcess struct {
	id      string
	command string
	cmd     *exec.Cmd
	host    string
	stdout  tailBuffer
	stderr  tailBuffer

	mu       sync.Mutex
	exited   bool
	exitCode int
	done     chan struct{}
}

func (p *localProcess) wait() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exited = true
	switch {
	case p.cmd.ProcessState != nil:
		// Also set when Wait gave up on pipes held open by a descendant.
		p.exitCode = p.cmd.ProcessState.ExitCode()
	case err != nil:
		p.exitCode = -1
	}
	p.mu.Unlock()
	close(p.done)
}

func (p *localProcess) ID() string      { return p.id }
func (p *localProcess) Command() string { return p.command }

func (p *localProcess) Status() ProcessStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return StatusExited
	}
	return StatusRunning
}

func (p *localProcess) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exited
}

func (p *localProcess) WaitForPort(ctx context.Context, port int, interval time.Duration) error {
	addr := net.JoinHostPort(p.host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: interval}

	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}

		if p.Status() == StatusExited {
			code, _ := p.ExitCode()
			return fmt.Errorf("%w: process exited with code %d", ErrPortNotReady, code)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %v", ErrPortNotReady, addr, ctx.Err())
		case <-time.After(interval):
		}
	}
}

func (p *localProcess) Logs(ctx context.Context) (Logs, error) {
	return Logs{
		Stdout: p.stdout.String(),
		Stderr: p.stderr.String(),
	}, nil
}

// Kill stops the process together with everything it spawned. Children left
// behind by a leader that already exited are killed as well.
func (p *localProcess) Kill(ctx context.Context) error {
	if err := killProcessGroup(p.cmd); err != nil {
		return fmt.Errorf("kill process %s: %w", p.id, err)
	}
	if p.Status() == StatusExited {
		return nil
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tailBuffer keeps the last maxLogBytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, _ := b.buf.Write(p)
	if over := b.buf.Len() - maxLogBytes; over > 0 {
		b.buf.Next(over)
	}
	return n, nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
