// Package fscontract owns the on-disk layout: build outputs, per-session
// logs, AIOP exports, and the run index. Every path is a pure function of
// its inputs; no timestamps leak into paths.
package fscontract

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Contract roots all derived paths at an absolute base path.
type Contract struct {
	base string
}

// New validates the base path and returns a contract.
func New(basePath string) (*Contract, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, fmt.Errorf("base_path is required")
	}
	if !filepath.IsAbs(basePath) {
		return nil, fmt.Errorf("base_path must be absolute: %s", basePath)
	}
	return &Contract{base: filepath.Clean(basePath)}, nil
}

// Base returns the absolute base path.
func (c *Contract) Base() string { return c.base }

// BuildDir is build/pipelines/<profile>/<slug>/<short>-<hash>/.
func (c *Contract) BuildDir(profile, slug, short, hash string) string {
	return filepath.Join(c.base, "build", "pipelines", profile, slug, short+"-"+NormalizeManifestHash(hash))
}

// ManifestPath is the canonical manifest location inside a build dir.
func (c *Contract) ManifestPath(profile, slug, short, hash string) string {
	return filepath.Join(c.BuildDir(profile, slug, short, hash), "manifest.yaml")
}

// StepConfigPath is the materialized per-step config location.
func (c *Contract) StepConfigPath(profile, slug, short, hash, stepID string) string {
	return filepath.Join(c.BuildDir(profile, slug, short, hash), "steps", stepID+".yaml")
}

// IndexDir is .osiris/index/.
func (c *Contract) IndexDir() string {
	return filepath.Join(c.base, ".osiris", "index")
}

// RunsIndexPath is the global run index.
func (c *Contract) RunsIndexPath() string {
	return filepath.Join(c.IndexDir(), "runs.jsonl")
}

// ByPipelinePath is the per-pipeline index.
func (c *Contract) ByPipelinePath(slug string) string {
	return filepath.Join(c.IndexDir(), "by_pipeline", slug+".jsonl")
}

// ByManifestPath is the per-manifest index. The filename is pure hex.
func (c *Contract) ByManifestPath(hash string) string {
	return filepath.Join(c.IndexDir(), "by_manifest", NormalizeManifestHash(hash)+".jsonl")
}

// LatestPointerPath holds the latest manifest path for a pipeline.
func (c *Contract) LatestPointerPath(slug string) string {
	return filepath.Join(c.IndexDir(), "latest", slug+".txt")
}

// LastCompilePath marks the most recent compile for `run --last-compile`.
func (c *Contract) LastCompilePath() string {
	return filepath.Join(c.base, ".osiris", "last_compile.txt")
}

// SessionDir is logs/<session_id>/.
func (c *Contract) SessionDir(sessionID string) string {
	return filepath.Join(c.base, "logs", sessionID)
}

// AIOPDir is aiop/<profile>/<slug>/<short>-<hash>/run-<N>-<run_id>/.
func (c *Contract) AIOPDir(profile, slug, short, hash string, runSeq int, runID string) string {
	return filepath.Join(c.base, "aiop", profile, slug,
		short+"-"+NormalizeManifestHash(hash),
		fmt.Sprintf("run-%d-%s", runSeq, runID))
}

var (
	hexPattern  = regexp.MustCompile(`^[0-9a-f]+$`)
	algoNames   = []string{"sha256", "sha512", "sha1", "blake3", "md5"}
	fullHashLen = 64
)

// IsPureHex reports whether s is non-empty lowercase hex.
func IsPureHex(s string) bool {
	return s != "" && hexPattern.MatchString(s)
}

// NormalizeManifestHash strips any "algorithm:" prefix or bare algorithm
// concatenation ("sha256<hex>") and lowercases the result. Idempotent:
// normalizing a normalized value is a no-op. Writers always produce pure
// hex; this exists so readers tolerate legacy records and filenames.
func NormalizeManifestHash(s string) string {
	h := strings.ToLower(strings.TrimSpace(s))
	if i := strings.LastIndex(h, ":"); i >= 0 {
		h = h[i+1:]
	}
	for _, algo := range algoNames {
		rest := strings.TrimPrefix(h, algo)
		if rest != h && len(rest) >= fullHashLen && IsPureHex(rest) {
			h = rest
			break
		}
	}
	return h
}

// ValidateManifestHash enforces the write-side invariant: pure hex, 64
// chars, no colon anywhere.
func ValidateManifestHash(s string) error {
	if strings.Contains(s, ":") {
		return fmt.Errorf("%w: manifest_hash contains ':': %q", ErrInvalidHashFormat, s)
	}
	if len(s) != fullHashLen || !IsPureHex(s) {
		return fmt.Errorf("%w: manifest_hash must be %d lowercase hex chars: %q", ErrInvalidHashFormat, fullHashLen, s)
	}
	return nil
}
