package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/osiris-etl/osiris/internal/compile"
	"github.com/osiris-etl/osiris/internal/components"
	"github.com/osiris-etl/osiris/internal/connections"
	"github.com/osiris-etl/osiris/internal/fscontract"
	"github.com/osiris-etl/osiris/internal/runner"
)

// Proxy executes a manifest through a sandboxed worker while keeping the
// session, events, and index bookkeeping on this side. It satisfies
// runner.Adapter, so a remote run is indistinguishable from a local one to
// everything downstream.
type Proxy struct {
	Registry    *components.Registry
	Connections *connections.Store
	Contract    *fscontract.Contract
	Sandbox     Sandbox
	Stream      io.Writer
	// Allowlist filters the build-dir upload; empty means DefaultAllowlist.
	Allowlist []string
	// Requirements names worker-side packages to request during prepare.
	// The worker honors them only when installs are enabled on its side.
	Requirements []string
	// Timeout overrides HeartbeatTimeout. Tests shorten it.
	Timeout time.Duration
	Now     func() time.Time

	local  *runner.Local
	conn   io.ReadWriteCloser
	nextID uint64

	mu       sync.Mutex
	pending  map[uint64]chan *Message
	lastBeat time.Time
	downErr  error
	down     chan struct{}
	group    *errgroup.Group
	stopMon  context.CancelFunc
}

func (p *Proxy) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Proxy) timeout() time.Duration {
	if p.Timeout != 0 {
		return p.Timeout
	}
	return HeartbeatTimeout
}

// Prepare opens the session, starts the worker, and ships the build
// package. Session setup is delegated to the local adapter so both
// execution paths announce runs identically.
func (p *Proxy) Prepare(ctx context.Context, m *compile.Manifest, manifestPath string) (*runner.PreparedRun, error) {
	p.local = &runner.Local{
		Registry:    p.Registry,
		Connections: p.Connections,
		Contract:    p.Contract,
		Stream:      p.Stream,
		Now:         p.Now,
	}
	run, err := p.local.Prepare(ctx, m, manifestPath)
	if err != nil {
		return nil, err
	}

	fail := func(err error) (*runner.PreparedRun, error) {
		run.Sess.SetFatal(err)
		if p.stopMon != nil {
			p.stopMon()
		}
		if p.conn != nil {
			_ = p.conn.Close()
		}
		if p.group != nil {
			_ = p.group.Wait()
		}
		_ = run.Sess.Close()
		return nil, err
	}

	conn, err := p.Sandbox.Start(ctx)
	if err != nil {
		return fail(err)
	}
	p.conn = conn
	p.pending = map[uint64]chan *Message{}
	p.down = make(chan struct{})
	p.lastBeat = p.now()

	monCtx, stopMon := context.WithCancel(context.Background())
	p.stopMon = stopMon
	g := &errgroup.Group{}
	p.group = g
	g.Go(func() error { return p.readLoop(run) })
	g.Go(func() error { return p.monitorLoop(monCtx) })

	files, err := BuildPackage(filepath.Dir(manifestPath), p.Allowlist)
	if err != nil {
		return fail(err)
	}
	if _, err := p.call(ctx, KindPrepare, PreparePayload{SessionID: run.Sess.ID(), Files: files, Requirements: p.Requirements}); err != nil {
		return fail(err)
	}
	run.Sess.Event("remote_prepare_complete", map[string]any{
		"files": len(files),
	})
	return run, nil
}

// readLoop demultiplexes the transport: responses complete pending calls,
// notifications merge into the local session, heartbeats feed liveness.
func (p *Proxy) readLoop(run *runner.PreparedRun) error {
	for {
		msg, err := ReadFrame(p.conn)
		if err != nil {
			p.markDown(fmt.Errorf("%w: %v", ErrTransportLost, err))
			return nil
		}
		p.mu.Lock()
		p.lastBeat = p.now()
		p.mu.Unlock()

		if msg.IsResponse() {
			p.mu.Lock()
			ch := p.pending[msg.ID]
			delete(p.pending, msg.ID)
			p.mu.Unlock()
			if ch != nil {
				ch <- msg
			}
			continue
		}
		switch msg.Kind {
		case KindHeartbeat:
			// lastBeat already advanced.
		case KindEvent:
			var ev EventPayload
			if json.Unmarshal(msg.Payload, &ev) == nil {
				run.Sess.Event(ev.Kind, ev.Payload)
			}
		case KindMetric:
			var mt MetricPayload
			if json.Unmarshal(msg.Payload, &mt) == nil {
				run.Sess.Metric(mt.Name, mt.Value, mt.Unit, mt.Tags)
			}
		}
	}
}

// monitorLoop declares the worker dead after a silent heartbeat window.
func (p *Proxy) monitorLoop(ctx context.Context) error {
	interval := p.timeout() / 10
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.mu.Lock()
			silent := p.now().Sub(p.lastBeat)
			p.mu.Unlock()
			if silent > p.timeout() {
				p.markDown(ErrRemoteTimeout)
				_ = p.conn.Close()
				return nil
			}
		}
	}
}

// markDown records the first transport-level failure and releases all
// pending calls.
func (p *Proxy) markDown(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.downErr != nil {
		return
	}
	p.downErr = err
	close(p.down)
}

func (p *Proxy) call(ctx context.Context, kind string, payload any) (*Message, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	id := atomic.AddUint64(&p.nextID, 1)
	ch := make(chan *Message, 1)
	p.mu.Lock()
	if p.downErr != nil {
		err := p.downErr
		p.mu.Unlock()
		return nil, err
	}
	p.pending[id] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	if err := WriteFrame(p.conn, &Message{ID: id, Kind: kind, Payload: b}); err != nil {
		p.markDown(fmt.Errorf("%w: %v", ErrTransportLost, err))
		return nil, ErrTransportLost
	}
	select {
	case resp := <-ch:
		if resp.OK == nil || !*resp.OK {
			return nil, fmt.Errorf("remote %s: %s", kind, resp.Error)
		}
		return resp, nil
	case <-p.down:
		p.mu.Lock()
		err := p.downErr
		p.mu.Unlock()
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Execute drives steps one at a time on the worker. Connection references
// resolve on this side; only resolved fields the driver needs cross the
// wire, and every telemetry surface they could reach is redacted.
func (p *Proxy) Execute(ctx context.Context, run *runner.PreparedRun) *runner.ExecutionResult {
	result := &runner.ExecutionResult{}
	for _, step := range run.Manifest.Steps {
		sr := p.executeStep(ctx, run, step)
		result.Steps = append(result.Steps, sr)
		if sr.Status != runner.StatusCompleted {
			result.Err = fmt.Errorf("step %s %s: %s", sr.StepID, sr.Status, sr.Error)
			break
		}
	}
	return result
}

func (p *Proxy) executeStep(ctx context.Context, run *runner.PreparedRun, step compile.Step) runner.StepResult {
	sess := run.Sess
	sr := runner.StepResult{StepID: step.ID, Status: runner.StatusCompleted}
	start := p.now()
	sess.Event("step_start", map[string]any{
		"step_id":   step.ID,
		"component": step.Component,
		"driver":    step.Driver,
		"remote":    true,
	})
	fail := func(err error) runner.StepResult {
		et := remoteErrorType(err)
		sr.Status = runner.StatusFailed
		if et == "Cancelled" {
			sr.Status = runner.StatusCancelled
		}
		sr.Error = sess.Sanitize(err.Error())
		sr.DurationMS = p.now().Sub(start).Milliseconds()
		sess.Event("step_failed", map[string]any{
			"step_id":     step.ID,
			"error":       sr.Error,
			"error_type":  et,
			"duration_ms": sr.DurationMS,
		})
		return sr
	}

	payload := ExecStepPayload{StepID: step.ID}
	if ref, _ := step.Config["connection"].(string); ref != "" {
		sess.Event("connection_resolve_start", map[string]any{"step_id": step.ID, "connection": ref})
		parsed, err := connections.ParseRef(ref)
		if err != nil {
			return fail(err)
		}
		spec, err := p.Registry.Get(step.Component)
		if err != nil {
			return fail(err)
		}
		resolved, err := p.Connections.Resolve(parsed, step.Config, spec)
		if err != nil {
			return fail(err)
		}
		sess.AddSecretValues(resolved.SecretValues(run.SecretKeys))
		payload.ResolvedConnection = resolved.Fields
		sess.Event("connection_resolve_complete", map[string]any{
			"step_id":    step.ID,
			"connection": resolved.Masked(run.SecretKeys),
		})
	}

	resp, err := p.call(ctx, KindExecStep, payload)
	if err != nil {
		return fail(err)
	}
	var execResult ExecStepResult
	if err := json.Unmarshal(resp.Result, &execResult); err != nil {
		return fail(fmt.Errorf("exec_step result: %w", err))
	}
	if err := p.fetchArtifacts(ctx, run, execResult.Artifacts); err != nil {
		return fail(err)
	}

	sr.DurationMS = p.now().Sub(start).Milliseconds()
	sr.RowsRead, sr.RowsWritten, sr.RowsProcessed = runner.RowMetrics(sess.Dir(), step.ID)
	sess.Metric("step_duration", float64(sr.DurationMS), "ms", map[string]string{"step": step.ID})
	sess.Event("step_complete", map[string]any{
		"step_id":        step.ID,
		"rows_read":      sr.RowsRead,
		"rows_written":   sr.RowsWritten,
		"rows_processed": sr.RowsProcessed,
		"duration_ms":    sr.DurationMS,
	})
	return sr
}

// remoteErrorType extends the step-failure taxonomy with the transport
// categories only the proxy can observe.
func remoteErrorType(err error) string {
	switch {
	case errors.Is(err, ErrRemoteTimeout):
		return "RemoteTimeout"
	case errors.Is(err, ErrTransportLost):
		return "RemoteTransportLost"
	default:
		return runner.ErrorType(err)
	}
}

// fetchArtifacts pulls worker-side artifacts into the local session tree,
// verifying each transfer's checksum.
func (p *Proxy) fetchArtifacts(ctx context.Context, run *runner.PreparedRun, paths []string) error {
	for _, path := range paths {
		resp, err := p.call(ctx, KindGetArtifact, GetArtifactPayload{Path: path})
		if err != nil {
			return err
		}
		var art ArtifactResult
		if err := json.Unmarshal(resp.Result, &art); err != nil {
			return fmt.Errorf("get_artifact result: %w", err)
		}
		if err := verifyChecksum(art.Data, art.Checksum); err != nil {
			return fmt.Errorf("artifact %s: %w", path, err)
		}
		local, err := run.Sess.ArtifactPath(path)
		if err != nil {
			return err
		}
		if err := writeFile(local, art.Data); err != nil {
			return err
		}
	}
	return nil
}

// Cancel asks the worker to stop the named step ("" means all).
func (p *Proxy) Cancel(ctx context.Context, stepID string) error {
	_, err := p.call(ctx, KindCancel, ExecStepPayload{StepID: stepID})
	return err
}

// Collect shuts the worker down and hands bookkeeping to the local
// adapter: same checksums, same closing events, same index record.
func (p *Proxy) Collect(ctx context.Context, run *runner.PreparedRun, result *runner.ExecutionResult) (*runner.CollectedRun, error) {
	p.mu.Lock()
	alive := p.downErr == nil
	p.mu.Unlock()
	if alive {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, _ = p.call(shutdownCtx, KindShutdown, struct{}{})
		cancel()
	}
	if p.stopMon != nil {
		p.stopMon()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	if p.group != nil {
		_ = p.group.Wait()
	}
	return p.local.Collect(ctx, run, result)
}
