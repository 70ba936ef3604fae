// Package aiop builds the post-run export: a bounded, deterministic
// document with evidence, semantic, narrative, and metadata layers, plus an
// optional NDJSON annex when the core budget forces truncation.
package aiop

import (
	"fmt"
	"strconv"
	"strings"
)

// Timeline densities.
const (
	DensityMinimal = "minimal"
	DensityMedium  = "medium"
	DensityVerbose = "verbose"
)

// Schema modes. Summary keeps the semantic layer to step shape; full also
// embeds each step's materialized (redacted) config.
const (
	SchemaSummary = "summary"
	SchemaFull    = "full"
)

// Policies.
const (
	PolicyCore  = "core"
	PolicyAnnex = "annex"
)

// Environment variable names for policy overrides.
const (
	EnvMaxCoreBytes    = "OSIRIS_AIOP_MAX_CORE_BYTES"
	EnvTimelineDensity = "OSIRIS_AIOP_TIMELINE_DENSITY"
	EnvMetricsTopK     = "OSIRIS_AIOP_METRICS_TOPK"
	EnvSchemaMode      = "OSIRIS_AIOP_SCHEMA_MODE"
)

// Config is the fully resolved export policy.
type Config struct {
	MaxCoreBytes    int
	TimelineDensity string
	MetricsTopK     int
	SchemaMode      string
	Policy          string
	CompressAnnex   bool
}

// Overrides is a partial config: nil means "not set at this layer".
type Overrides struct {
	MaxCoreBytes    *int    `yaml:"max_core_bytes"`
	TimelineDensity *string `yaml:"timeline_density"`
	MetricsTopK     *int    `yaml:"metrics_topk"`
	SchemaMode      *string `yaml:"schema_mode"`
	Policy          *string `yaml:"policy"`
	CompressAnnex   *bool   `yaml:"compress_annex"`
}

// DefaultConfig is the lowest-precedence layer.
func DefaultConfig() Config {
	return Config{
		MaxCoreBytes:    300_000,
		TimelineDensity: DensityMedium,
		MetricsTopK:     10,
		SchemaMode:      SchemaSummary,
		Policy:          PolicyCore,
	}
}

// ResolveConfig layers the policy sources: flags > environment > file >
// defaults. getenv is injectable so precedence is testable.
func ResolveConfig(flags, file Overrides, getenv func(string) string) (Config, error) {
	cfg := DefaultConfig()
	applyOverrides(&cfg, file)
	if err := applyEnv(&cfg, getenv); err != nil {
		return cfg, err
	}
	applyOverrides(&cfg, flags)
	return cfg, cfg.validate()
}

func applyOverrides(cfg *Config, o Overrides) {
	if o.MaxCoreBytes != nil {
		cfg.MaxCoreBytes = *o.MaxCoreBytes
	}
	if o.TimelineDensity != nil {
		cfg.TimelineDensity = *o.TimelineDensity
	}
	if o.MetricsTopK != nil {
		cfg.MetricsTopK = *o.MetricsTopK
	}
	if o.SchemaMode != nil {
		cfg.SchemaMode = *o.SchemaMode
	}
	if o.Policy != nil {
		cfg.Policy = *o.Policy
	}
	if o.CompressAnnex != nil {
		cfg.CompressAnnex = *o.CompressAnnex
	}
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	if getenv == nil {
		return nil
	}
	if v := getenv(EnvMaxCoreBytes); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxCoreBytes, err)
		}
		cfg.MaxCoreBytes = n
	}
	if v := getenv(EnvTimelineDensity); v != "" {
		cfg.TimelineDensity = strings.ToLower(v)
	}
	if v := getenv(EnvMetricsTopK); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMetricsTopK, err)
		}
		cfg.MetricsTopK = n
	}
	if v := getenv(EnvSchemaMode); v != "" {
		cfg.SchemaMode = strings.ToLower(v)
	}
	return nil
}

func (c Config) validate() error {
	switch c.TimelineDensity {
	case DensityMinimal, DensityMedium, DensityVerbose:
	default:
		return fmt.Errorf("timeline density must be minimal, medium, or verbose: %q", c.TimelineDensity)
	}
	switch c.SchemaMode {
	case SchemaSummary, SchemaFull:
	default:
		return fmt.Errorf("schema mode must be summary or full: %q", c.SchemaMode)
	}
	switch c.Policy {
	case PolicyCore, PolicyAnnex:
	default:
		return fmt.Errorf("policy must be core or annex: %q", c.Policy)
	}
	if c.MaxCoreBytes <= 0 {
		return fmt.Errorf("max core bytes must be positive: %d", c.MaxCoreBytes)
	}
	if c.MetricsTopK <= 0 {
		return fmt.Errorf("metrics top-k must be positive: %d", c.MetricsTopK)
	}
	return nil
}
