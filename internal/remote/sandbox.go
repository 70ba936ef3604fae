package remote

import (
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"time"

	"github.com/osiris-etl/osiris/internal/drivers"
)

// DefaultSandboxTimeout bounds a worker process's whole lifetime.
const DefaultSandboxTimeout = 15 * time.Minute

// Sandbox starts an isolated worker and returns its transport. Closing the
// transport tears the worker down.
type Sandbox interface {
	Start(ctx context.Context) (io.ReadWriteCloser, error)
}

// Subprocess launches the engine binary's hidden worker subcommand and
// speaks the frame protocol over its stdio.
type Subprocess struct {
	Binary  string
	Args    []string
	Timeout time.Duration
}

type procTransport struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
	cmd    *exec.Cmd
	cancel context.CancelFunc
}

func (t *procTransport) Read(p []byte) (int, error)  { return t.stdout.Read(p) }
func (t *procTransport) Write(p []byte) (int, error) { return t.stdin.Write(p) }

func (t *procTransport) Close() error {
	_ = t.stdin.Close()
	err := t.cmd.Wait()
	t.cancel()
	return err
}

func (s *Subprocess) Start(ctx context.Context) (io.ReadWriteCloser, error) {
	timeout := s.Timeout
	if timeout == 0 {
		timeout = DefaultSandboxTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	cmd := exec.CommandContext(ctx, s.Binary, s.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start worker: %w", err)
	}
	return &procTransport{stdin: stdin, stdout: stdout, cmd: cmd, cancel: cancel}, nil
}

// InProcess runs a Worker on the far end of an in-memory pipe. It backs the
// local/remote parity tests and `run --remote=inprocess` smoke runs.
type InProcess struct {
	Drivers   *drivers.Registry
	WorkDir   string
	Heartbeat time.Duration
	// Worker, when set, is served as-is; the fields above are ignored.
	Worker *Worker
}

type pipeTransport struct {
	net.Conn
	done chan struct{}
}

func (t *pipeTransport) Close() error {
	err := t.Conn.Close()
	<-t.done
	return err
}

func (s *InProcess) Start(ctx context.Context) (io.ReadWriteCloser, error) {
	near, far := net.Pipe()
	w := s.Worker
	if w == nil {
		w = &Worker{Drivers: s.Drivers, WorkDir: s.WorkDir, Heartbeat: s.Heartbeat}
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer far.Close()
		_ = w.Serve(ctx, far)
	}()
	return &pipeTransport{Conn: near, done: done}, nil
}
