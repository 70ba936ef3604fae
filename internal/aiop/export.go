package aiop

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/osiris-etl/osiris/internal/compile"
	"github.com/osiris-etl/osiris/internal/fscontract"
	"github.com/osiris-etl/osiris/internal/secrets"
	"github.com/osiris-etl/osiris/internal/session"
)

// Exporter builds one AIOP directory per run record. Export is a pure
// function of the run's persisted data and the policy config: exporting the
// same run twice yields byte-identical summary.json.
type Exporter struct {
	Contract *fscontract.Contract
	Config   Config
}

// Result reports what was written and whether the core budget forced
// truncation (CLI exit 4).
type Result struct {
	Dir         string
	SummaryPath string
	RunCardPath string
	AnnexPaths  []string
	Truncated   bool
}

type timelineEntry struct {
	id    string
	event map[string]any
}

// Export aggregates the run into <aiop_path>/{summary.json,run-card.md}
// plus annex shards when policy allows and the budget overflows.
func (e *Exporter) Export(rec fscontract.RunRecord) (*Result, error) {
	sessionDir := filepath.Dir(rec.ArtifactsPath)
	events, err := session.ReadEvents(sessionDir)
	if err != nil {
		return nil, fmt.Errorf("aiop: read events: %w", err)
	}
	metrics, err := session.ReadMetrics(sessionDir)
	if err != nil {
		return nil, fmt.Errorf("aiop: read metrics: %w", err)
	}
	manifest, err := compile.LoadManifest(e.Contract.ManifestPath(rec.Profile, rec.PipelineSlug, rec.ManifestShort, rec.ManifestHash))
	if err != nil {
		return nil, fmt.Errorf("aiop: load manifest: %w", err)
	}

	timeline := e.buildTimeline(events)
	topMetrics := e.topKMetrics(metrics, manifest)
	errorsList := collectErrors(events, sessionDir)
	artifacts := collectArtifacts(sessionDir, rec)
	delta, err := e.buildDelta(rec)
	if err != nil {
		return nil, err
	}
	totalRows := authoritativeRows(events, rec)

	semantic := e.buildSemantic(manifest)
	narrative := buildNarrative(rec, timeline, delta, totalRows)

	// Size the core, truncating oldest-last until it fits the budget.
	keepT, keepM := len(timeline), len(topMetrics)
	var core []byte
	truncated := false
	for {
		doc := e.buildDoc(rec, manifest, timeline[:keepT], topMetrics[:keepM], errorsList, artifacts,
			semantic, narrative, delta, totalRows, truncationInfo{
				applied:        truncated,
				eventsTotal:    len(timeline),
				eventsKept:     keepT,
				metricsTotal:   len(topMetrics),
				metricsKept:    keepM,
			})
		core, err = canonicalJSON(doc)
		if err != nil {
			return nil, err
		}
		if len(core) <= e.Config.MaxCoreBytes || (keepT == 0 && keepM == 0) {
			break
		}
		truncated = true
		keepT /= 2
		keepM /= 2
	}

	if err := os.MkdirAll(rec.AIOPPath, 0o755); err != nil {
		return nil, err
	}
	summaryPath := filepath.Join(rec.AIOPPath, "summary.json")
	if err := os.WriteFile(summaryPath, core, 0o644); err != nil {
		return nil, err
	}

	result := &Result{Dir: rec.AIOPPath, SummaryPath: summaryPath, Truncated: truncated}

	if truncated && e.Config.Policy == PolicyAnnex {
		annex, err := e.writeAnnex(rec.AIOPPath, timeline, metrics)
		if err != nil {
			return nil, err
		}
		result.AnnexPaths = annex
	}

	cardPath := filepath.Join(rec.AIOPPath, "run-card.md")
	if err := os.WriteFile(cardPath, []byte(runCard(rec, delta, totalRows, truncated)), 0o644); err != nil {
		return nil, err
	}
	result.RunCardPath = cardPath
	return result, nil
}

// buildTimeline filters events by density and assigns stable evidence ids
// in stream order before any truncation.
func (e *Exporter) buildTimeline(events []map[string]any) []timelineEntry {
	var out []timelineEntry
	n := 0
	for _, ev := range events {
		kind, _ := ev["event"].(string)
		if !e.densityIncludes(kind) {
			continue
		}
		n++
		out = append(out, timelineEntry{id: fmt.Sprintf("ev.%03d", n), event: ev})
	}
	return out
}

func (e *Exporter) densityIncludes(kind string) bool {
	switch e.Config.TimelineDensity {
	case DensityVerbose:
		return true
	case DensityMedium:
		switch kind {
		case "run_start", "run_complete", "run_failed", "cleanup_complete",
			"step_start", "step_complete", "step_failed",
			"connection_resolve_start", "connection_resolve_complete":
			return true
		}
		return false
	default: // minimal
		switch kind {
		case "run_start", "run_complete", "run_failed", "cleanup_complete", "step_failed":
			return true
		}
		return false
	}
}

// topKMetrics keeps the K largest metrics per step, ordered by manifest
// step order then metric name.
func (e *Exporter) topKMetrics(metrics []map[string]any, m *compile.Manifest) []map[string]any {
	byStep := map[string][]map[string]any{}
	for _, mt := range metrics {
		step := ""
		if tags, ok := mt["tags"].(map[string]any); ok {
			step, _ = tags["step"].(string)
		}
		byStep[step] = append(byStep[step], mt)
	}
	stepOrder := []string{}
	for _, s := range m.Steps {
		stepOrder = append(stepOrder, s.ID)
	}
	var extra []string
	for s := range byStep {
		if m.Step(s) == nil {
			extra = append(extra, s)
		}
	}
	sort.Strings(extra)
	stepOrder = append(stepOrder, extra...)

	var out []map[string]any
	for _, step := range stepOrder {
		group := byStep[step]
		sort.SliceStable(group, func(i, j int) bool {
			vi, _ := group[i]["value"].(float64)
			vj, _ := group[j]["value"].(float64)
			if vi != vj {
				return vi > vj
			}
			ni, _ := group[i]["metric"].(string)
			nj, _ := group[j]["metric"].(string)
			return ni < nj
		})
		if len(group) > e.Config.MetricsTopK {
			group = group[:e.Config.MetricsTopK]
		}
		out = append(out, group...)
	}
	return out
}

func collectErrors(events []map[string]any, sessionDir string) []map[string]any {
	var out []map[string]any
	for _, ev := range events {
		if ev["event"] == "step_failed" {
			out = append(out, map[string]any{
				"step_id":    ev["step_id"],
				"error":      ev["error"],
				"error_type": ev["error_type"],
			})
		}
	}
	if b, err := os.ReadFile(filepath.Join(sessionDir, "fatal.json")); err == nil {
		var fatal map[string]any
		if json.Unmarshal(b, &fatal) == nil {
			out = append(out, map[string]any{"fatal": fatal["error"]})
		}
	}
	return out
}

// collectArtifacts lists artifact paths and checksums. Paths only; raw
// bytes never enter the export.
func collectArtifacts(sessionDir string, rec fscontract.RunRecord) []map[string]any {
	out := []map[string]any{}
	b, err := os.ReadFile(filepath.Join(sessionDir, "artifacts.checksums.json"))
	if err != nil {
		return out
	}
	var sums map[string]string
	if json.Unmarshal(b, &sums) != nil {
		return out
	}
	paths := make([]string, 0, len(sums))
	for p := range sums {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		out = append(out, map[string]any{
			"path":     filepath.ToSlash(filepath.Join(rec.ArtifactsPath, p)),
			"checksum": sums[p],
		})
	}
	return out
}

func (e *Exporter) buildDelta(rec fscontract.RunRecord) (map[string]any, error) {
	reader := &fscontract.IndexReader{Contract: e.Contract}
	prev, err := reader.FindPrevious(rec.ManifestHash, rec.RunID)
	if err != nil {
		return nil, fmt.Errorf("aiop: delta lookup: %w", err)
	}
	if prev == nil {
		return map[string]any{"first_run": true}, nil
	}
	return map[string]any{
		"first_run":         false,
		"previous_run_id":   prev.RunID,
		"total_rows_delta":  rec.TotalRows - prev.TotalRows,
		"duration_ms_delta": rec.DurationMS - prev.DurationMS,
	}, nil
}

// authoritativeRows prefers cleanup_complete.total_rows over the record.
func authoritativeRows(events []map[string]any, rec fscontract.RunRecord) int64 {
	for _, ev := range events {
		if ev["event"] == "cleanup_complete" {
			if v, ok := ev["total_rows"].(float64); ok {
				return int64(v)
			}
		}
	}
	return rec.TotalRows
}

func (e *Exporter) buildSemantic(m *compile.Manifest) map[string]any {
	steps := make([]any, 0, len(m.Steps))
	for _, s := range m.Steps {
		needs := s.Needs
		if needs == nil {
			needs = []string{}
		}
		entry := map[string]any{
			"id":        s.ID,
			"component": s.Component,
			"mode":      s.Mode,
			"driver":    s.Driver,
			"needs":     needs,
		}
		if len(s.Inputs) > 0 {
			entry["inputs"] = s.Inputs
		}
		if e.Config.SchemaMode == SchemaFull && s.Config != nil {
			entry["config"] = secrets.Redact(s.Config, secrets.KeySet(nil, nil))
		}
		steps = append(steps, entry)
	}
	conns := append([]string{}, m.Connections...)
	sort.Strings(conns)
	return map[string]any{
		"pipeline": map[string]any{
			"id":   m.Pipeline.ID,
			"name": m.Pipeline.Name,
		},
		"oml_version": m.Meta.OMLVersion,
		"steps":       steps,
		"connections": conns,
	}
}

// buildNarrative generates prose citing evidence ids.
func buildNarrative(rec fscontract.RunRecord, timeline []timelineEntry, delta map[string]any, totalRows int64) []string {
	cite := func(kinds ...string) string {
		for _, t := range timeline {
			for _, k := range kinds {
				if t.event["event"] == k {
					return " [" + t.id + "]"
				}
			}
		}
		return ""
	}
	var out []string
	out = append(out, fmt.Sprintf("Run %s of pipeline %s %s in %d ms with %d rows%s.",
		rec.RunID, rec.PipelineSlug, rec.Status, rec.DurationMS, totalRows,
		cite("run_complete", "run_failed")))
	for _, t := range timeline {
		switch t.event["event"] {
		case "step_complete":
			out = append(out, fmt.Sprintf("Step %v completed [%s].", t.event["step_id"], t.id))
		case "step_failed":
			out = append(out, fmt.Sprintf("Step %v failed: %v [%s].", t.event["step_id"], t.event["error"], t.id))
		}
	}
	if first, _ := delta["first_run"].(bool); first {
		out = append(out, fmt.Sprintf("This is the first recorded run of manifest %s.", rec.ManifestShort))
	} else {
		out = append(out, fmt.Sprintf("Compared with run %v, the row count changed by %v.",
			delta["previous_run_id"], delta["total_rows_delta"]))
	}
	return out
}

type truncationInfo struct {
	applied      bool
	eventsTotal  int
	eventsKept   int
	metricsTotal int
	metricsKept  int
}

func (e *Exporter) buildDoc(rec fscontract.RunRecord, m *compile.Manifest,
	timeline []timelineEntry, topMetrics []map[string]any,
	errorsList, artifacts []map[string]any, semantic map[string]any,
	narrative []string, delta map[string]any, totalRows int64,
	trunc truncationInfo) map[string]any {

	tl := make([]any, 0, len(timeline))
	for _, t := range timeline {
		entry := map[string]any{"id": t.id}
		for k, v := range t.event {
			entry[k] = v
		}
		tl = append(tl, entry)
	}
	if errorsList == nil {
		errorsList = []map[string]any{}
	}
	metricsAny := make([]any, 0, len(topMetrics))
	for _, mt := range topMetrics {
		metricsAny = append(metricsAny, mt)
	}
	return map[string]any{
		"evidence": map[string]any{
			"timeline":  tl,
			"metrics":   metricsAny,
			"errors":    errorsList,
			"artifacts": artifacts,
		},
		"semantic":  semantic,
		"narrative": narrative,
		"metadata": map[string]any{
			"run_id":         rec.RunID,
			"manifest_hash":  rec.ManifestHash,
			"manifest_short": rec.ManifestShort,
			"profile":        rec.Profile,
			"status":         rec.Status,
			"started_at":     rec.StartedAt,
			"ended_at":       rec.EndedAt,
			"duration_ms":    rec.DurationMS,
			"total_rows":     totalRows,
			"redaction":      map[string]any{"marker": secrets.Mask},
			"truncation": map[string]any{
				"applied":       trunc.applied,
				"events_total":  trunc.eventsTotal,
				"events_kept":   trunc.eventsKept,
				"metrics_total": trunc.metricsTotal,
				"metrics_kept":  trunc.metricsKept,
			},
			"delta": delta,
		},
	}
}

// canonicalJSON is encoding/json with sorted keys and a trailing newline.
func canonicalJSON(v any) ([]byte, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("aiop: serialize: %w", err)
	}
	return append(b, '\n'), nil
}

// writeAnnex spills the full timeline and metrics as NDJSON shards.
func (e *Exporter) writeAnnex(dir string, timeline []timelineEntry, metrics []map[string]any) ([]string, error) {
	annexDir := filepath.Join(dir, "annex")
	if err := os.MkdirAll(annexDir, 0o755); err != nil {
		return nil, err
	}
	var paths []string
	tl := make([]map[string]any, 0, len(timeline))
	for _, t := range timeline {
		entry := map[string]any{"id": t.id}
		for k, v := range t.event {
			entry[k] = v
		}
		tl = append(tl, entry)
	}
	for _, shard := range []struct {
		name  string
		lines []map[string]any
	}{
		{"timeline.ndjson", tl},
		{"metrics.ndjson", metrics},
	} {
		p, err := e.writeShard(annexDir, shard.name, shard.lines)
		if err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func (e *Exporter) writeShard(dir, name string, lines []map[string]any) (string, error) {
	path := filepath.Join(dir, name)
	if e.Config.CompressAnnex {
		path += ".gz"
	}
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	var w interface {
		Write([]byte) (int, error)
	} = f
	var gz *gzip.Writer
	if e.Config.CompressAnnex {
		gz = gzip.NewWriter(f)
		w = gz
	}
	for _, line := range lines {
		b, err := json.Marshal(line)
		if err != nil {
			return "", err
		}
		if _, err := w.Write(append(b, '\n')); err != nil {
			return "", err
		}
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return "", err
		}
	}
	return path, nil
}

// runCard renders the human summary next to summary.json.
func runCard(rec fscontract.RunRecord, delta map[string]any, totalRows int64, truncated bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Run %s\n\n", rec.RunID)
	fmt.Fprintf(&b, "| Field | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Pipeline | %s |\n", rec.PipelineSlug)
	fmt.Fprintf(&b, "| Status | %s |\n", rec.Status)
	fmt.Fprintf(&b, "| Profile | %s |\n", rec.Profile)
	fmt.Fprintf(&b, "| Manifest | %s (%s) |\n", rec.ManifestShort, rec.ManifestHash)
	fmt.Fprintf(&b, "| Started | %s |\n", rec.StartedAt)
	fmt.Fprintf(&b, "| Ended | %s |\n", rec.EndedAt)
	fmt.Fprintf(&b, "| Duration | %d ms |\n", rec.DurationMS)
	fmt.Fprintf(&b, "| Rows | %d |\n", totalRows)
	if first, _ := delta["first_run"].(bool); first {
		fmt.Fprintf(&b, "| Delta | first run |\n")
	} else {
		fmt.Fprintf(&b, "| Delta | vs %v: rows %+v, duration %+v ms |\n",
			delta["previous_run_id"], delta["total_rows_delta"], delta["duration_ms_delta"])
	}
	if truncated {
		fmt.Fprintf(&b, "| Truncation | applied, see annex |\n")
	}
	return b.String()
}
