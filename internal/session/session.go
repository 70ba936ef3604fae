// Package session owns per-run telemetry: the events.jsonl and metrics.jsonl
// streams, the artifact tree, and the fatal-error slot. Every payload passes
// through redaction before it reaches disk or stdout.
package session

import (
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/osiris-etl/osiris/internal/fscontract"
	"github.com/osiris-etl/osiris/internal/secrets"
)

// Event is one line of events.jsonl after decoding.
type Event struct {
	TS      string         `json:"ts"`
	Session string         `json:"session"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"-"`
}

// Metric is one line of metrics.jsonl.
type Metric struct {
	TS      string            `json:"ts"`
	Session string            `json:"session"`
	Metric  string            `json:"metric"`
	Value   float64           `json:"value"`
	Unit    string            `json:"unit,omitempty"`
	Tags    map[string]string `json:"tags,omitempty"`
}

// Options configures a session. Zero value works for tests.
type Options struct {
	// ID overrides the generated ULID. Used by remote workers that must
	// join an existing session.
	ID string
	// Stream mirrors events to this writer (typically stdout) as they are
	// emitted. Nil disables streaming.
	Stream io.Writer
	// SecretKeys is the field-name mask set; see secrets.KeySet.
	SecretKeys map[string]struct{}
	// Now is injectable for deterministic timestamps in tests.
	Now func() time.Time
}

// Session is a live telemetry sink. All methods are safe for concurrent use.
// Close is idempotent and must run even when the run fails.
type Session struct {
	id         string
	dir        string
	now        func() time.Time
	stream     io.Writer
	secretKeys map[string]struct{}

	mu           sync.Mutex
	events       *os.File
	metrics      *os.File
	secretValues []string
	fatal        error
	closed       bool
}

// New creates the session directory tree and opens both streams.
func New(contract *fscontract.Contract, opts Options) (*Session, error) {
	id := opts.ID
	if id == "" {
		id = NewID()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	dir := contract.SessionDir(id)
	if err := os.MkdirAll(filepath.Join(dir, "artifacts"), 0o755); err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	ev, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	mt, err := os.OpenFile(filepath.Join(dir, "metrics.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		ev.Close()
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	keys := opts.SecretKeys
	if keys == nil {
		keys = secrets.KeySet(nil, nil)
	}
	return &Session{
		id:         id,
		dir:        dir,
		now:        now,
		stream:     opts.Stream,
		secretKeys: keys,
		events:     ev,
		metrics:    mt,
	}, nil
}

// NewID returns a fresh ULID string.
func NewID() string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

func (s *Session) ID() string  { return s.id }
func (s *Session) Dir() string { return s.dir }

// AddSecretValues registers resolved secret literals for substring masking
// in error messages and free-text fields.
func (s *Session) AddSecretValues(values []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secretValues = append(s.secretValues, values...)
}

// SecretValues returns the registered literals (for error sanitizing by
// callers that format messages outside the session).
func (s *Session) SecretValues() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.secretValues...)
}

// Sanitize masks registered secret literals in a free-text string.
func (s *Session) Sanitize(text string) string {
	s.mu.Lock()
	values := append([]string{}, s.secretValues...)
	s.mu.Unlock()
	return secrets.RedactStrings(text, values)
}

// Event appends one event line. Payload fields merge into the envelope;
// the envelope keys ts/session/event win on collision.
func (s *Session) Event(kind string, payload map[string]any) {
	line := map[string]any{}
	red, _ := secrets.Redact(payload, s.secretKeys).(map[string]any)
	for k, v := range red {
		if str, ok := v.(string); ok {
			v = s.Sanitize(str)
		}
		line[k] = v
	}
	line["ts"] = s.now().UTC().Format(time.RFC3339Nano)
	line["session"] = s.id
	line["event"] = kind
	s.append(s.events, line, true)
}

// Metric appends one metric line.
func (s *Session) Metric(name string, value float64, unit string, tags map[string]string) {
	line := map[string]any{
		"ts":      s.now().UTC().Format(time.RFC3339Nano),
		"session": s.id,
		"metric":  name,
		"value":   value,
	}
	if unit != "" {
		line["unit"] = unit
	}
	if len(tags) > 0 {
		line["tags"] = secrets.Redact(tags, s.secretKeys)
	}
	s.append(s.metrics, line, false)
}

func (s *Session) append(f *os.File, line map[string]any, stream bool) {
	b, err := json.Marshal(line)
	if err != nil {
		return
	}
	b = append(b, '\n')
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	_, _ = f.Write(b)
	if stream && s.stream != nil {
		_, _ = s.stream.Write(b)
	}
}

// ArtifactPath returns (and creates parents for) a path under the session's
// artifact tree. The logical name may contain slashes but must stay inside
// the tree.
func (s *Session) ArtifactPath(logicalName string) (string, error) {
	root := filepath.Join(s.dir, "artifacts")
	p := filepath.Join(root, filepath.FromSlash(logicalName))
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == ".." || filepath.IsAbs(rel) || len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator) {
		return "", fmt.Errorf("artifact name escapes session tree: %q", logicalName)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", err
	}
	return p, nil
}

// ArtifactsDir returns the root of the artifact tree.
func (s *Session) ArtifactsDir() string {
	return filepath.Join(s.dir, "artifacts")
}

// SetFatal records the run's fatal error. First error wins. The error text
// is sanitized before persisting to fatal.json at Close.
func (s *Session) SetFatal(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatal == nil {
		s.fatal = err
	}
}

// Fatal returns the recorded fatal error, if any.
func (s *Session) Fatal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// Close flushes and closes both streams and writes the fatal-error slot if
// a fatal error was recorded. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	fatal := s.fatal
	values := append([]string{}, s.secretValues...)
	s.mu.Unlock()

	var firstErr error
	if fatal != nil {
		body := map[string]any{
			"ts":      s.now().UTC().Format(time.RFC3339Nano),
			"session": s.id,
			"error":   secrets.RedactStrings(fatal.Error(), values),
		}
		b, err := json.Marshal(body)
		if err == nil {
			if werr := os.WriteFile(filepath.Join(s.dir, "fatal.json"), append(b, '\n'), 0o644); werr != nil {
				firstErr = werr
			}
		}
	}
	if err := s.events.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.metrics.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// StepContext adapts the session to the driver-facing telemetry surface,
// scoping artifacts under artifacts/<step_id>/.
type StepContext struct {
	Sess   *Session
	StepID string
}

func (c StepContext) LogEvent(kind string, payload map[string]any) {
	merged := map[string]any{"step": c.StepID}
	for k, v := range payload {
		merged[k] = v
	}
	c.Sess.Event(kind, merged)
}

func (c StepContext) LogMetric(name string, value float64, unit string, tags map[string]string) {
	merged := map[string]string{"step": c.StepID}
	for k, v := range tags {
		merged[k] = v
	}
	c.Sess.Metric(name, value, unit, merged)
}

func (c StepContext) ArtifactPath(logicalName string) (string, error) {
	return c.Sess.ArtifactPath(filepath.Join(c.StepID, logicalName))
}

// ReadEvents decodes events.jsonl from a session directory. Unparsable
// lines (torn writes) are skipped.
func ReadEvents(dir string) ([]map[string]any, error) {
	return readJSONL(filepath.Join(dir, "events.jsonl"))
}

// ReadMetrics decodes metrics.jsonl from a session directory.
func ReadMetrics(dir string) ([]map[string]any, error) {
	return readJSONL(filepath.Join(dir, "metrics.jsonl"))
}

func readJSONL(path string) ([]map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []map[string]any
	start := 0
	for i := 0; i <= len(b); i++ {
		if i == len(b) || b[i] == '\n' {
			line := b[start:i]
			start = i + 1
			if len(line) == 0 {
				continue
			}
			var m map[string]any
			if err := json.Unmarshal(line, &m); err != nil {
				continue
			}
			out = append(out, m)
		}
	}
	return out, nil
}
