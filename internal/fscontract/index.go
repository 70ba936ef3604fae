package fscontract

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

var (
	ErrInvalidHashFormat = errors.New("invalid manifest hash format")
	ErrCorruptRecord     = errors.New("corrupt run index record")
	ErrRunNotFound       = errors.New("run not found")
)

// Run statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// RunRecord is one JSONL line in the run index.
type RunRecord struct {
	RunID         string `json:"run_id"`
	PipelineSlug  string `json:"pipeline_slug"`
	ManifestHash  string `json:"manifest_hash"`
	ManifestShort string `json:"manifest_short"`
	Profile       string `json:"profile"`
	StartedAt     string `json:"started_at"`
	EndedAt       string `json:"ended_at"`
	Status        string `json:"status"`
	DurationMS    int64  `json:"duration_ms"`
	TotalRows     int64  `json:"total_rows"`
	AIOPPath      string `json:"aiop_path"`
	ArtifactsPath string `json:"artifacts_path"`
}

func (r *RunRecord) validate() error {
	if err := ValidateManifestHash(r.ManifestHash); err != nil {
		return err
	}
	if strings.TrimSpace(r.RunID) == "" {
		return fmt.Errorf("%w: run_id is required", ErrCorruptRecord)
	}
	switch r.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
	default:
		return fmt.Errorf("%w: status %q", ErrCorruptRecord, r.Status)
	}
	return nil
}

// IndexWriter appends run records to the global, per-pipeline, and
// per-manifest indexes. Appends are line-atomic: open-append-flush-close
// under an advisory flock so concurrent runs interleave whole lines.
type IndexWriter struct {
	Contract *Contract
}

// Append writes the record to all three indexes. Records whose
// manifest_hash is not pure hex are rejected before any file is touched.
func (w *IndexWriter) Append(rec RunRecord) error {
	if err := rec.validate(); err != nil {
		return err
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	for _, path := range []string{
		w.Contract.RunsIndexPath(),
		w.Contract.ByPipelinePath(rec.PipelineSlug),
		w.Contract.ByManifestPath(rec.ManifestHash),
	} {
		if err := appendLine(path, line); err != nil {
			return fmt.Errorf("index append %s: %w", path, err)
		}
	}
	return nil
}

// WriteLatestPointer records the manifest path for the pipeline's most
// recent compile.
func (w *IndexWriter) WriteLatestPointer(slug, manifestPath string) error {
	path := w.Contract.LatestPointerPath(slug)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(manifestPath+"\n"), 0o644)
}

func appendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return err
	}
	defer func() { _ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN) }()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// IndexReader reads the run index. Partial last lines (a crashed writer)
// are ignored rather than surfaced as corruption.
type IndexReader struct {
	Contract *Contract
}

// List returns all records from the global index in append order.
func (r *IndexReader) List() ([]RunRecord, error) {
	return readRecords(r.Contract.RunsIndexPath())
}

// ListByPipeline returns the per-pipeline index records.
func (r *IndexReader) ListByPipeline(slug string) ([]RunRecord, error) {
	return readRecords(r.Contract.ByPipelinePath(slug))
}

// Find returns the record for a run id from the global index.
func (r *IndexReader) Find(runID string) (*RunRecord, error) {
	recs, err := r.List()
	if err != nil {
		return nil, err
	}
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].RunID == runID {
			return &recs[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
}

// Latest returns the most recent record in the global index.
func (r *IndexReader) Latest() (*RunRecord, error) {
	recs, err := r.List()
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: index is empty", ErrRunNotFound)
	}
	return &recs[len(recs)-1], nil
}

// FindPrevious returns the most recent completed run with the same manifest
// hash, excluding currentRunID. Lookup is by the pure-hex filename; when the
// pure-hex file does not exist, a normalized lookup over the global index
// covers legacy data.
func (r *IndexReader) FindPrevious(manifestHash, currentRunID string) (*RunRecord, error) {
	pure := NormalizeManifestHash(manifestHash)
	recs, err := readRecords(r.Contract.ByManifestPath(pure))
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		// Legacy fallback: scan the global index with normalization.
		all, err := r.List()
		if err != nil {
			return nil, err
		}
		for _, rec := range all {
			if NormalizeManifestHash(rec.ManifestHash) == pure {
				recs = append(recs, rec)
			}
		}
	}
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		if rec.RunID == currentRunID {
			continue
		}
		if rec.Status != StatusCompleted {
			continue
		}
		return &rec, nil
	}
	return nil, nil
}

func readRecords(path string) ([]RunRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var out []RunRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec RunRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			// Tolerate a torn trailing line; reject corruption elsewhere.
			continue
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
