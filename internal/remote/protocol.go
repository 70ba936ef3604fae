// Package remote runs a manifest's steps in an isolated worker process over
// a length-prefixed JSON protocol. The proxy side satisfies the same
// adapter contract as the local runner, so a remote run is transparent to
// callers: same events, same metrics, same index record.
package remote

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Frame sizes. A frame is a 4-byte big-endian length followed by that many
// bytes of JSON.
const (
	maxFrameSize = 64 << 20
	lenPrefix    = 4
)

// Liveness defaults. The worker heartbeats every HeartbeatInterval; the
// proxy declares the worker dead after HeartbeatTimeout of silence.
const (
	HeartbeatInterval = 5 * time.Second
	HeartbeatTimeout  = 30 * time.Second
)

// Command kinds, proxy to worker.
const (
	KindPrepare     = "prepare"
	KindExecStep    = "exec_step"
	KindGetArtifact = "get_artifact"
	KindCancel      = "cancel"
	KindShutdown    = "shutdown"
)

// Notification kinds, worker to proxy, unsolicited (id 0).
const (
	KindEvent     = "event"
	KindMetric    = "metric"
	KindHeartbeat = "heartbeat"
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
	// ErrRemoteTimeout is raised when the worker misses its heartbeat window.
	ErrRemoteTimeout = errors.New("RemoteTimeout: worker heartbeat lost")
	// ErrTransportLost is raised when the transport closes mid-run.
	ErrTransportLost = errors.New("RemoteTransportLost: worker connection closed")
)

// Message is the single wire shape in both directions. Commands carry
// id+kind+payload; responses carry id+ok+result|error; notifications carry
// kind+payload with id 0.
type Message struct {
	ID      uint64          `json:"id,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// IsResponse reports whether the message answers a command.
func (m *Message) IsResponse() bool { return m.OK != nil }

// WriteFrame marshals v and writes one length-prefixed frame.
func WriteFrame(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(b) > maxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(b))
	}
	var hdr [lenPrefix]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadFrame reads one frame and decodes it into a Message.
func ReadFrame(r io.Reader) (*Message, error) {
	var hdr [lenPrefix]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	return &m, nil
}

// PreparePayload ships the build package to the worker. The manifest and
// step configs travel as package files; the worker loads them from its
// unpacked copy, so both sides execute the same bytes.
type PreparePayload struct {
	SessionID string       `json:"session_id"`
	Files     []PackedFile `json:"files"`
	// Requirements names worker-side packages a run would like installed.
	// Workers ignore them unless package installs are enabled.
	Requirements []string `json:"requirements,omitempty"`
}

// ExecStepPayload runs one step on the worker. The worker assembles inputs
// from its own output cache; only the resolved connection crosses the wire.
type ExecStepPayload struct {
	StepID             string         `json:"step_id"`
	ResolvedConnection map[string]any `json:"resolved_connection,omitempty"`
}

// ExecStepResult summarizes a completed step. Outputs stay in the worker's
// cache; only shape metadata returns.
type ExecStepResult struct {
	StepID    string         `json:"step_id"`
	Outputs   map[string]int `json:"outputs"` // output name -> row count
	Artifacts []string       `json:"artifacts,omitempty"`
}

// GetArtifactPayload fetches one worker-side artifact by its logical path.
type GetArtifactPayload struct {
	Path string `json:"path"`
}

// ArtifactResult carries the artifact bytes and their checksum.
type ArtifactResult struct {
	Path     string `json:"path"`
	Data     []byte `json:"data"`
	Checksum string `json:"checksum"`
}

// EventPayload is an unsolicited event notification.
type EventPayload struct {
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

// MetricPayload is an unsolicited metric notification.
type MetricPayload struct {
	Name  string            `json:"name"`
	Value float64           `json:"value"`
	Unit  string            `json:"unit,omitempty"`
	Tags  map[string]string `json:"tags,omitempty"`
}
