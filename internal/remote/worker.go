package remote

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/osiris-etl/osiris/internal/compile"
	"github.com/osiris-etl/osiris/internal/drivers"
	"github.com/osiris-etl/osiris/internal/runner"
)

// Worker is the remote-side command loop. It owns a driver registry and an
// output cache keyed by step id; step outputs never cross the wire, only
// events, metrics, and explicitly fetched artifacts do.
type Worker struct {
	Drivers *drivers.Registry
	// WorkDir roots the unpacked package and the artifact tree. Empty
	// means a fresh temp dir per Serve.
	WorkDir string
	// Heartbeat overrides HeartbeatInterval. Tests shorten it.
	Heartbeat time.Duration
	// InstallPackages gates the package-install hook. Off by default:
	// requirements in the prepare payload are reported as skipped.
	InstallPackages bool
	// InstallHook performs the actual install when enabled.
	InstallHook func(ctx context.Context, requirements []string) error

	mu       sync.Mutex
	writeMu  sync.Mutex
	conn     io.Writer
	manifest *compile.Manifest
	cache    map[string]map[string]drivers.Table
	cancels  map[string]context.CancelFunc
	arts     []string
}

// Serve runs the command loop until shutdown, transport close, or ctx
// cancellation. Heartbeats flow for the whole lifetime of the loop.
func (w *Worker) Serve(ctx context.Context, conn io.ReadWriter) error {
	if w.WorkDir == "" {
		dir, err := os.MkdirTemp("", "osiris-worker-*")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		w.WorkDir = dir
	}
	w.conn = conn
	w.cache = map[string]map[string]drivers.Table{}
	w.cancels = map[string]context.CancelFunc{}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	interval := w.Heartbeat
	if interval == 0 {
		interval = HeartbeatInterval
	}
	go w.heartbeatLoop(ctx, interval)

	for {
		msg, err := ReadFrame(conn)
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if msg.Kind == KindShutdown {
			w.respond(msg.ID, nil, nil)
			return nil
		}
		go w.dispatch(ctx, msg)
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.notify(KindHeartbeat, map[string]any{"ts": time.Now().UTC().Format(time.RFC3339)})
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, msg *Message) {
	switch msg.Kind {
	case KindPrepare:
		w.respond(msg.ID, nil, w.handlePrepare(ctx, msg.Payload))
	case KindExecStep:
		result, err := w.handleExecStep(ctx, msg.Payload)
		w.respond(msg.ID, result, err)
	case KindGetArtifact:
		result, err := w.handleGetArtifact(msg.Payload)
		w.respond(msg.ID, result, err)
	case KindCancel:
		w.handleCancel(msg.Payload)
		w.respond(msg.ID, nil, nil)
	default:
		w.respond(msg.ID, nil, fmt.Errorf("unknown command %q", msg.Kind))
	}
}

func (w *Worker) handlePrepare(ctx context.Context, payload json.RawMessage) error {
	var p PreparePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("prepare payload: %w", err)
	}
	pkgDir := filepath.Join(w.WorkDir, "package")
	if err := VerifyAndUnpack(p.Files, pkgDir); err != nil {
		return err
	}
	if len(p.Requirements) > 0 {
		if !w.InstallPackages {
			w.notify(KindEvent, EventPayload{Kind: "package_install_skipped", Payload: map[string]any{
				"requirements": p.Requirements,
			}})
		} else if w.InstallHook != nil {
			if err := w.InstallHook(ctx, p.Requirements); err != nil {
				return fmt.Errorf("package install: %w", err)
			}
			w.notify(KindEvent, EventPayload{Kind: "package_install_complete", Payload: map[string]any{
				"requirements": p.Requirements,
			}})
		}
	}
	m, err := compile.LoadManifest(filepath.Join(pkgDir, "manifest.yaml"))
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.manifest = m
	w.mu.Unlock()
	return nil
}

func (w *Worker) handleExecStep(ctx context.Context, payload json.RawMessage) (*ExecStepResult, error) {
	var p ExecStepPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("exec_step payload: %w", err)
	}
	w.mu.Lock()
	m := w.manifest
	w.mu.Unlock()
	if m == nil {
		return nil, fmt.Errorf("exec_step before prepare")
	}
	step := m.Step(p.StepID)
	if step == nil {
		return nil, fmt.Errorf("unknown step %q", p.StepID)
	}

	w.mu.Lock()
	inputs, err := runner.AssembleInputs(*step, w.cache)
	w.mu.Unlock()
	if err != nil {
		return nil, err
	}
	driver, err := w.Drivers.Resolve(step.Driver)
	if err != nil {
		return nil, err
	}

	stepCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancels[step.ID] = cancel
	w.mu.Unlock()
	defer func() {
		cancel()
		w.mu.Lock()
		delete(w.cancels, step.ID)
		w.mu.Unlock()
	}()

	req := &drivers.Request{
		StepID:             step.ID,
		Config:             step.Config,
		ResolvedConnection: p.ResolvedConnection,
		Inputs:             inputs,
		Ctx:                &workerStepCtx{worker: w, stepID: step.ID},
	}
	outputs, err := runGuarded(stepCtx, driver, req)
	if err != nil {
		return nil, err
	}

	result := &ExecStepResult{StepID: step.ID, Outputs: map[string]int{}}
	for name, table := range outputs {
		result.Outputs[name] = table.NumRows()
	}
	w.mu.Lock()
	w.cache[step.ID] = outputs
	result.Artifacts = append(result.Artifacts, w.arts...)
	w.arts = nil
	w.mu.Unlock()
	return result, nil
}

func runGuarded(ctx context.Context, d drivers.Driver, req *drivers.Request) (out map[string]drivers.Table, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("driver panic: %v\n%s", r, debug.Stack())
		}
	}()
	return d.Run(ctx, req)
}

func (w *Worker) handleGetArtifact(payload json.RawMessage) (*ArtifactResult, error) {
	var p GetArtifactPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("get_artifact payload: %w", err)
	}
	root := filepath.Join(w.WorkDir, "artifacts")
	target := filepath.Join(root, filepath.FromSlash(p.Path))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || (len(rel) > 2 && rel[:3] == ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("artifact path escapes worker tree: %q", p.Path)
	}
	b, err := os.ReadFile(target)
	if err != nil {
		return nil, err
	}
	sum := blake3.Sum256(b)
	return &ArtifactResult{Path: p.Path, Data: b, Checksum: hex.EncodeToString(sum[:])}, nil
}

func (w *Worker) handleCancel(payload json.RawMessage) {
	var p ExecStepPayload
	_ = json.Unmarshal(payload, &p)
	w.mu.Lock()
	defer w.mu.Unlock()
	if p.StepID != "" {
		if cancel, ok := w.cancels[p.StepID]; ok {
			cancel()
		}
		return
	}
	for _, cancel := range w.cancels {
		cancel()
	}
}

func (w *Worker) respond(id uint64, result any, err error) {
	resp := &Message{ID: id}
	ok := err == nil
	resp.OK = &ok
	if err != nil {
		resp.Error = err.Error()
	} else if result != nil {
		b, merr := json.Marshal(result)
		if merr == nil {
			resp.Result = b
		}
	}
	w.write(resp)
}

func (w *Worker) notify(kind string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	w.write(&Message{Kind: kind, Payload: b})
}

func (w *Worker) write(m *Message) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = WriteFrame(w.conn, m)
}

// workerStepCtx forwards driver telemetry over the wire and roots artifact
// paths under the worker's own tree.
type workerStepCtx struct {
	worker *Worker
	stepID string
}

func (c *workerStepCtx) LogEvent(kind string, payload map[string]any) {
	merged := map[string]any{"step": c.stepID}
	for k, v := range payload {
		merged[k] = v
	}
	c.worker.notify(KindEvent, EventPayload{Kind: kind, Payload: merged})
}

func (c *workerStepCtx) LogMetric(name string, value float64, unit string, tags map[string]string) {
	merged := map[string]string{"step": c.stepID}
	for k, v := range tags {
		merged[k] = v
	}
	c.worker.notify(KindMetric, MetricPayload{Name: name, Value: value, Unit: unit, Tags: merged})
}

func (c *workerStepCtx) ArtifactPath(logicalName string) (string, error) {
	root := filepath.Join(c.worker.WorkDir, "artifacts")
	relName := filepath.Join(c.stepID, filepath.FromSlash(logicalName))
	p := filepath.Join(root, relName)
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == ".." || (len(rel) > 2 && rel[:3] == ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact name escapes worker tree: %q", logicalName)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", err
	}
	c.worker.mu.Lock()
	c.worker.arts = append(c.worker.arts, filepath.ToSlash(rel))
	c.worker.mu.Unlock()
	return p, nil
}
