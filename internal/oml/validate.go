package oml

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/osiris-etl/osiris/internal/components"
	"github.com/osiris-etl/osiris/internal/connections"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

// Diagnostic is one validation finding with a stable rule code.
type Diagnostic struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	StepID   string   `json:"step_id,omitempty"`
}

// Result aggregates the three validation layers.
type Result struct {
	OK       bool         `json:"ok"`
	Errors   []Diagnostic `json:"errors"`
	Warnings []Diagnostic `json:"warnings"`
}

func (r *Result) add(diags ...Diagnostic) {
	for _, d := range diags {
		if d.Severity == SeverityWarning {
			r.Warnings = append(r.Warnings, d)
		} else {
			r.Errors = append(r.Errors, d)
		}
	}
}

// Err collapses a failed result into a single error for CLI surfaces.
func (r *Result) Err() error {
	if r.OK {
		return nil
	}
	var rules []string
	for _, d := range r.Errors {
		rules = append(rules, d.Rule+": "+d.Message)
	}
	return fmt.Errorf("oml validation failed: %s", strings.Join(rules, "; "))
}

var forbiddenTopLevelKeys = []string{"version", "connectors", "tasks", "outputs"}

// Validate runs the three layers in order; the first layer with errors
// short-circuits the rest. The validator is pure: connection references are
// checked against the store's raw contents without environment resolution.
func Validate(doc *Document, reg *components.Registry, store *connections.Store) Result {
	res := Result{}
	res.add(validateStructural(doc)...)
	if len(res.Errors) > 0 {
		return res
	}
	res.add(validateSemantic(doc, reg)...)
	if len(res.Errors) > 0 {
		return res
	}
	res.add(validatePreRuntime(doc, reg, store)...)
	res.OK = len(res.Errors) == 0
	return res
}

// --- L1 structural ---

func validateStructural(doc *Document) []Diagnostic {
	var diags []Diagnostic
	if doc == nil {
		return []Diagnostic{{Rule: "document_nil", Severity: SeverityError, Message: "document is nil"}}
	}
	present := map[string]bool{}
	for _, k := range doc.TopLevelKeys {
		present[k] = true
	}
	for _, k := range forbiddenTopLevelKeys {
		if present[k] {
			diags = append(diags, Diagnostic{
				Rule:     "forbidden_top_level_key",
				Severity: SeverityError,
				Message:  fmt.Sprintf("forbidden_top_level_key=%s", k),
			})
		}
	}
	for _, k := range []string{"oml_version", "name", "steps"} {
		if !present[k] {
			diags = append(diags, Diagnostic{
				Rule:     "missing_top_level_key",
				Severity: SeverityError,
				Message:  fmt.Sprintf("missing_top_level_key=%s", k),
			})
		}
	}
	if present["oml_version"] && doc.OMLVersion != Version {
		diags = append(diags, Diagnostic{
			Rule:     "oml_version_unsupported",
			Severity: SeverityError,
			Message:  fmt.Sprintf("oml_version must be %q, got %q", Version, doc.OMLVersion),
		})
	}
	if present["steps"] && len(doc.Steps) == 0 {
		diags = append(diags, Diagnostic{
			Rule:     "steps_empty",
			Severity: SeverityError,
			Message:  "steps must be a non-empty sequence",
		})
	}
	seen := map[string]bool{}
	for i, s := range doc.Steps {
		where := fmt.Sprintf("steps[%d]", i)
		if strings.TrimSpace(s.ID) == "" {
			diags = append(diags, Diagnostic{Rule: "step_missing_id", Severity: SeverityError, Message: where + ": id is required"})
			continue
		}
		if seen[s.ID] {
			diags = append(diags, Diagnostic{Rule: "duplicate_step_id", Severity: SeverityError, Message: "duplicate step id: " + s.ID, StepID: s.ID})
		}
		seen[s.ID] = true
		if strings.TrimSpace(s.Component) == "" {
			diags = append(diags, Diagnostic{Rule: "step_missing_component", Severity: SeverityError, Message: where + ": component is required", StepID: s.ID})
		}
		switch s.Mode {
		case ModeRead, ModeWrite, ModeTransform:
		case "":
			diags = append(diags, Diagnostic{Rule: "step_missing_mode", Severity: SeverityError, Message: where + ": mode is required", StepID: s.ID})
		default:
			diags = append(diags, Diagnostic{Rule: "invalid_mode", Severity: SeverityError, Message: fmt.Sprintf("%s: mode must be read|write|transform, got %q", where, s.Mode), StepID: s.ID})
		}
	}
	return diags
}

// --- L2 semantic ---

func validateSemantic(doc *Document, reg *components.Registry) []Diagnostic {
	var diags []Diagnostic
	ids := map[string]bool{}
	for _, s := range doc.Steps {
		ids[s.ID] = true
	}
	for _, s := range doc.Steps {
		spec, err := reg.Get(s.Component)
		if err != nil {
			diags = append(diags, Diagnostic{Rule: "unknown_component", Severity: SeverityError, Message: "unknown component: " + s.Component, StepID: s.ID})
			continue
		}
		if !spec.SupportsMode(s.Mode) {
			diags = append(diags, Diagnostic{
				Rule:     "mode_not_supported",
				Severity: SeverityError,
				Message:  fmt.Sprintf("component %s does not support mode %q", s.Component, s.Mode),
				StepID:   s.ID,
			})
		}
		diags = append(diags, checkWriterRules(s, spec)...)
		diags = append(diags, checkExtractorRules(s, spec)...)
		if ref, ok := s.Config["connection"]; ok {
			if str, _ := ref.(string); str != "" {
				if _, err := connections.ParseRef(str); err != nil {
					diags = append(diags, Diagnostic{
						Rule:     "invalid_connection_ref",
						Severity: SeverityError,
						Message:  fmt.Sprintf("connection must be \"@family.alias\", got %q", str),
						StepID:   s.ID,
					})
				}
			}
		}
		for _, dep := range s.Needs {
			if !ids[dep] {
				diags = append(diags, Diagnostic{Rule: "needs_unresolved", Severity: SeverityError, Message: fmt.Sprintf("needs references unknown step %q", dep), StepID: s.ID})
			}
		}
		for name, ref := range s.Inputs {
			up, _, ok := ParseInputRef(ref)
			if !ok {
				diags = append(diags, Diagnostic{Rule: "invalid_input_ref", Severity: SeverityError, Message: fmt.Sprintf("input %q must look like \"${step_id.output}\", got %q", name, ref), StepID: s.ID})
				continue
			}
			if !ids[up] {
				diags = append(diags, Diagnostic{Rule: "input_unresolved", Severity: SeverityError, Message: fmt.Sprintf("input %q references unknown step %q", name, up), StepID: s.ID})
			}
		}
	}
	if cyc := findCycle(doc); len(cyc) > 0 {
		diags = append(diags, Diagnostic{
			Rule:     "dag_cycle",
			Severity: SeverityError,
			Message:  "dependency cycle: " + strings.Join(cyc, " -> "),
		})
	}
	return diags
}

func checkWriterRules(s Step, spec *components.Spec) []Diagnostic {
	if s.Mode != ModeWrite {
		return nil
	}
	var diags []Diagnostic
	if wm, _ := s.Config["write_mode"].(string); wm == "replace" || wm == "upsert" {
		if !hasNonEmptyList(s.Config["primary_key"]) {
			diags = append(diags, Diagnostic{
				Rule:     "upsert_requires_primary_key",
				Severity: SeverityError,
				Message:  fmt.Sprintf("write_mode=%s requires a non-empty primary_key", wm),
				StepID:   s.ID,
			})
		}
	}
	// Filesystem writers declare a path property in their schema.
	if schemaHasProperty(spec, "path") && !schemaHasProperty(spec, "table") {
		if p, _ := s.Config["path"].(string); strings.TrimSpace(p) == "" {
			diags = append(diags, Diagnostic{
				Rule:     "writer_requires_path",
				Severity: SeverityError,
				Message:  "filesystem writer requires config.path",
				StepID:   s.ID,
			})
		}
	}
	return diags
}

func checkExtractorRules(s Step, spec *components.Spec) []Diagnostic {
	if s.Mode != ModeRead {
		return nil
	}
	// Database extractors expose both query and table in their schema and
	// must be given exactly one.
	if !(schemaHasProperty(spec, "query") && schemaHasProperty(spec, "table")) {
		return nil
	}
	_, hasQuery := s.Config["query"]
	_, hasTable := s.Config["table"]
	if hasQuery == hasTable {
		return []Diagnostic{{
			Rule:     "query_xor_table",
			Severity: SeverityError,
			Message:  "database extractor requires exactly one of query or table",
			StepID:   s.ID,
		}}
	}
	return nil
}

func hasNonEmptyList(v any) bool {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t) != ""
	case []any:
		return len(t) > 0
	case []string:
		return len(t) > 0
	default:
		return false
	}
}

func schemaHasProperty(spec *components.Spec, name string) bool {
	if spec == nil || spec.ConfigSchema == nil {
		return false
	}
	props, _ := spec.ConfigSchema["properties"].(map[string]any)
	if props == nil {
		return false
	}
	_, ok := props[name]
	return ok
}

// findCycle returns a cycle path if the needs/inputs graph is cyclic.
func findCycle(doc *Document) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		path = append(path, id)
		step := doc.Step(id)
		if step != nil {
			for _, dep := range step.Dependencies() {
				if doc.Step(dep) == nil {
					continue
				}
				switch color[dep] {
				case gray:
					cycle = append(append([]string{}, path...), dep)
					return true
				case white:
					if visit(dep) {
						return true
					}
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return false
	}
	for _, s := range doc.Steps {
		if color[s.ID] == white && visit(s.ID) {
			return cycle
		}
	}
	return nil
}

// --- L3 pre-runtime ---

func validatePreRuntime(doc *Document, reg *components.Registry, store *connections.Store) []Diagnostic {
	var diags []Diagnostic
	for _, s := range doc.Steps {
		spec, err := reg.Get(s.Component)
		if err != nil {
			continue // reported at L2
		}
		merged := map[string]any{}
		var connFields map[string]any
		if refStr, _ := s.Config["connection"].(string); refStr != "" {
			ref, err := connections.ParseRef(refStr)
			if err != nil {
				continue
			}
			connFields, err = store.Lookup(ref)
			if err != nil {
				rule := "unknown_connection"
				if errors.Is(err, connections.ErrUnknownFamily) {
					rule = "unknown_connection_family"
				}
				diags = append(diags, Diagnostic{Rule: rule, Severity: SeverityError, Message: err.Error(), StepID: s.ID})
				continue
			}
			for k, v := range connFields {
				merged[k] = v
			}
		}
		for k, v := range s.Config {
			merged[k] = v
		}

		// Override policy. Field names only; values never reach diagnostics.
		if _, err := connections.CheckOverrides(spec, connFields, s.Config); err != nil {
			field := strings.TrimSpace(strings.TrimPrefix(err.Error(), connections.ErrForbiddenOverride.Error()+": "))
			diags = append(diags, Diagnostic{
				Rule:     "forbidden_override",
				Severity: SeverityError,
				Message:  fmt.Sprintf("forbidden_override=%s", field),
				StepID:   s.ID,
			})
		}

		// Merged config against the component schema.
		sch, err := reg.CompiledSchema(s.Component)
		if err != nil {
			diags = append(diags, Diagnostic{Rule: "config_schema_compile", Severity: SeverityError, Message: err.Error(), StepID: s.ID})
			continue
		}
		if err := sch.Validate(toJSONValue(merged)); err != nil {
			diags = append(diags, Diagnostic{
				Rule:     "config_schema",
				Severity: SeverityError,
				Message:  fmt.Sprintf("merged config does not satisfy %s configSchema: %v", s.Component, err),
				StepID:   s.ID,
			})
		}

		// Declared secret fields should be satisfiable from the merged config.
		for _, ptr := range spec.Secrets {
			field := strings.TrimPrefix(ptr, "/")
			if strings.Contains(field, "/") {
				continue
			}
			if _, ok := merged[field]; !ok {
				diags = append(diags, Diagnostic{
					Rule:     "secret_field_missing",
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("declared secret field %q is absent from merged config", field),
					StepID:   s.ID,
				})
			}
		}
	}
	sort.SliceStable(diags, func(i, j int) bool { return diags[i].StepID < diags[j].StepID })
	return diags
}

// toJSONValue round-trips through encoding/json so yaml-typed values satisfy
// the jsonschema validator.
func toJSONValue(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}
