package session

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/osiris-etl/osiris/internal/fscontract"
	"github.com/osiris-etl/osiris/internal/secrets"
)

func newSession(t *testing.T, opts Options) *Session {
	t.Helper()
	c, err := fscontract.New(t.TempDir())
	require.NoError(t, err)
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC) }
	}
	s, err := New(c, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEventEnvelope(t *testing.T) {
	s := newSession(t, Options{ID: "sess-1"})
	s.Event("run_start", map[string]any{"pipeline": "orders"})
	require.NoError(t, s.Close())

	events, err := ReadEvents(s.Dir())
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "run_start", events[0]["event"])
	require.Equal(t, "sess-1", events[0]["session"])
	require.Equal(t, "orders", events[0]["pipeline"])
	require.Equal(t, "2026-08-24T10:00:00Z", events[0]["ts"])
}

func TestEventRedactsSecretFields(t *testing.T) {
	s := newSession(t, Options{})
	s.Event("connection_resolve_complete", map[string]any{
		"connection": map[string]any{
			"host":     "db.example.com",
			"password": "hunter2",
			"token":    "${API_TOKEN}",
		},
	})
	require.NoError(t, s.Close())

	b, err := os.ReadFile(filepath.Join(s.Dir(), "events.jsonl"))
	require.NoError(t, err)
	require.NotContains(t, string(b), "hunter2")
	require.Contains(t, string(b), secrets.Mask)
	// Unresolved placeholders pass through verbatim.
	require.Contains(t, string(b), "${API_TOKEN}")
	require.Contains(t, string(b), "db.example.com")
}

func TestEventSanitizesSecretLiterals(t *testing.T) {
	s := newSession(t, Options{})
	s.AddSecretValues([]string{"s3cr3t-value"})
	s.Event("step_failed", map[string]any{
		"error": "dial tcp: auth failed for user with s3cr3t-value",
	})
	require.NoError(t, s.Close())

	b, err := os.ReadFile(filepath.Join(s.Dir(), "events.jsonl"))
	require.NoError(t, err)
	require.NotContains(t, string(b), "s3cr3t-value")
	require.Contains(t, string(b), secrets.Mask)
}

func TestMetricLine(t *testing.T) {
	s := newSession(t, Options{ID: "sess-m"})
	s.Metric("rows_written", 42, "rows", map[string]string{"step": "write"})
	require.NoError(t, s.Close())

	metrics, err := ReadMetrics(s.Dir())
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	require.Equal(t, "rows_written", metrics[0]["metric"])
	require.Equal(t, 42.0, metrics[0]["value"])
	require.Equal(t, "rows", metrics[0]["unit"])
	tags, _ := metrics[0]["tags"].(map[string]any)
	require.Equal(t, "write", tags["step"])
}

func TestStreamMirrorsEvents(t *testing.T) {
	var buf bytes.Buffer
	s := newSession(t, Options{Stream: &buf})
	s.Event("run_start", nil)
	s.Metric("rows_read", 1, "rows", nil)
	require.NoError(t, s.Close())

	// Events stream; metrics do not.
	require.Contains(t, buf.String(), `"event":"run_start"`)
	require.NotContains(t, buf.String(), "rows_read")
}

func TestFatalSlot(t *testing.T) {
	s := newSession(t, Options{})
	s.AddSecretValues([]string{"topsecret"})
	s.SetFatal(errors.New("connect failed: password topsecret rejected"))
	s.SetFatal(errors.New("second error ignored"))
	require.NoError(t, s.Close())

	b, err := os.ReadFile(filepath.Join(s.Dir(), "fatal.json"))
	require.NoError(t, err)
	require.NotContains(t, string(b), "topsecret")
	require.NotContains(t, string(b), "second error")
	require.Contains(t, string(b), secrets.Mask)
}

func TestCloseIsIdempotent(t *testing.T) {
	s := newSession(t, Options{})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	// Emissions after close are dropped, not panics.
	s.Event("late", nil)
	s.Metric("late", 1, "", nil)
}

func TestArtifactPathStaysInTree(t *testing.T) {
	s := newSession(t, Options{})
	p, err := s.ArtifactPath("write/out.csv")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(p, s.ArtifactsDir()))

	_, err = s.ArtifactPath("../../escape.txt")
	require.Error(t, err)
}

func TestStepContextScoping(t *testing.T) {
	s := newSession(t, Options{})
	ctx := StepContext{Sess: s, StepID: "extract"}
	ctx.LogEvent("progress", map[string]any{"pct": 50})
	ctx.LogMetric("rows_read", 10, "rows", nil)
	p, err := ctx.ArtifactPath("sample.json")
	require.NoError(t, err)
	require.Contains(t, p, filepath.Join("artifacts", "extract"))
	require.NoError(t, s.Close())

	events, err := ReadEvents(s.Dir())
	require.NoError(t, err)
	require.Equal(t, "extract", events[0]["step"])
	metrics, err := ReadMetrics(s.Dir())
	require.NoError(t, err)
	tags, _ := metrics[0]["tags"].(map[string]any)
	require.Equal(t, "extract", tags["step"])
}

func TestReadersSkipTornLines(t *testing.T) {
	s := newSession(t, Options{})
	s.Event("ok", nil)
	require.NoError(t, s.Close())

	f, err := os.OpenFile(filepath.Join(s.Dir(), "events.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"event":"torn`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err := ReadEvents(s.Dir())
	require.NoError(t, err)
	require.Len(t, events, 1)
}
