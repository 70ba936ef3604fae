package fscontract

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func newContract(t *testing.T) *Contract {
	t.Helper()
	c, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestNewRequiresAbsoluteBase(t *testing.T) {
	if _, err := New("relative/path"); err == nil {
		t.Fatal("expected error for relative base")
	}
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty base")
	}
}

func TestNormalizeManifestHash(t *testing.T) {
	hex64 := strings.Repeat("ab", 32)
	cases := map[string]string{
		hex64:                hex64,
		"sha256:" + hex64:    hex64,
		"SHA256:" + hex64:    hex64,
		"sha256" + hex64:     hex64,
		"blake3:" + hex64:    hex64,
		"  sha256:" + hex64:  hex64,
		strings.ToUpper(hex64): hex64,
	}
	for in, want := range cases {
		if got := NormalizeManifestHash(in); got != want {
			t.Fatalf("NormalizeManifestHash(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeManifestHashIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("normalize is idempotent", prop.ForAll(
		func(prefix string, body string) bool {
			in := prefix + body
			once := NormalizeManifestHash(in)
			return NormalizeManifestHash(once) == once
		},
		gen.OneConstOf("", "sha256:", "sha256", "blake3:", "md5:"),
		gen.RegexMatch(`[0-9a-fA-F]{64}`),
	))
	properties.Property("normalized output has no colon", prop.ForAll(
		func(prefix string, body string) bool {
			return !strings.Contains(NormalizeManifestHash(prefix+body), ":")
		},
		gen.OneConstOf("", "sha256:", "blake3:"),
		gen.RegexMatch(`[0-9a-fA-F]{64}`),
	))
	properties.TestingRun(t)
}

func TestPathDerivationIsPure(t *testing.T) {
	c, err := New("/var/osiris")
	if err != nil {
		t.Fatal(err)
	}
	hash := strings.Repeat("a", 64)
	p1 := c.BuildDir("prod", "orders", "aaaaaaa", hash)
	p2 := c.BuildDir("prod", "orders", "aaaaaaa", hash)
	if p1 != p2 {
		t.Fatalf("path derivation not pure: %q vs %q", p1, p2)
	}
	if p1 != "/var/osiris/build/pipelines/prod/orders/aaaaaaa-"+hash {
		t.Fatalf("unexpected build dir: %q", p1)
	}
	if got := c.ByManifestPath("sha256:" + hash); !strings.HasSuffix(got, "/"+hash+".jsonl") {
		t.Fatalf("by-manifest filename must be pure hex: %q", got)
	}
}

func validRecord(hash string) RunRecord {
	return RunRecord{
		RunID:         "01J0000000000000000000TEST",
		PipelineSlug:  "orders",
		ManifestHash:  hash,
		ManifestShort: hash[:7],
		Profile:       "default",
		StartedAt:     "2026-08-24T10:00:00Z",
		EndedAt:       "2026-08-24T10:00:05Z",
		Status:        StatusCompleted,
		DurationMS:    5000,
		TotalRows:     3,
		AIOPPath:      "/var/osiris/aiop/x",
		ArtifactsPath: "/var/osiris/logs/x/artifacts",
	}
}

func TestAppendRejectsColonHash(t *testing.T) {
	c := newContract(t)
	w := &IndexWriter{Contract: c}
	rec := validRecord(strings.Repeat("a", 64))
	rec.ManifestHash = "sha256:" + strings.Repeat("a", 64)
	if err := w.Append(rec); !errors.Is(err, ErrInvalidHashFormat) {
		t.Fatalf("expected ErrInvalidHashFormat, got %v", err)
	}
	// Nothing written.
	if _, err := os.Stat(c.RunsIndexPath()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("index should not exist after rejected append")
	}
}

func TestAppendAndFindPrevious(t *testing.T) {
	c := newContract(t)
	w := &IndexWriter{Contract: c}
	r := &IndexReader{Contract: c}
	hash := strings.Repeat("ab", 32)

	first := validRecord(hash)
	first.RunID = "run-1"
	if err := w.Append(first); err != nil {
		t.Fatal(err)
	}
	second := validRecord(hash)
	second.RunID = "run-2"
	if err := w.Append(second); err != nil {
		t.Fatal(err)
	}

	prev, err := r.FindPrevious(hash, "run-2")
	if err != nil {
		t.Fatal(err)
	}
	if prev == nil || prev.RunID != "run-1" {
		t.Fatalf("FindPrevious: %+v", prev)
	}
	if prev.ManifestHash != hash {
		t.Fatalf("hash round-trip: %q", prev.ManifestHash)
	}

	// No previous run for a fresh hash.
	none, err := r.FindPrevious(strings.Repeat("cd", 32), "run-9")
	if err != nil {
		t.Fatal(err)
	}
	if none != nil {
		t.Fatalf("expected nil, got %+v", none)
	}
}

func TestFindPreviousSkipsFailedRuns(t *testing.T) {
	c := newContract(t)
	w := &IndexWriter{Contract: c}
	r := &IndexReader{Contract: c}
	hash := strings.Repeat("ef", 32)

	ok := validRecord(hash)
	ok.RunID = "run-ok"
	if err := w.Append(ok); err != nil {
		t.Fatal(err)
	}
	failed := validRecord(hash)
	failed.RunID = "run-bad"
	failed.Status = StatusFailed
	if err := w.Append(failed); err != nil {
		t.Fatal(err)
	}

	prev, err := r.FindPrevious(hash, "run-new")
	if err != nil {
		t.Fatal(err)
	}
	if prev == nil || prev.RunID != "run-ok" {
		t.Fatalf("expected run-ok, got %+v", prev)
	}
}

func TestReaderIgnoresPartialLastLine(t *testing.T) {
	c := newContract(t)
	w := &IndexWriter{Contract: c}
	hash := strings.Repeat("aa", 32)
	if err := w.Append(validRecord(hash)); err != nil {
		t.Fatal(err)
	}
	// Simulate a torn write.
	f, err := os.OpenFile(c.RunsIndexPath(), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"run_id":"torn","manifest_ha`); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	r := &IndexReader{Contract: c}
	recs, err := r.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
}

func TestHashPurityOfAppendedRecords(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)
	c := newContract(t)
	w := &IndexWriter{Contract: c}
	r := &IndexReader{Contract: c}

	properties.Property("every appended record has a pure 64-hex hash", prop.ForAll(
		func(body string) bool {
			rec := validRecord(strings.ToLower(body))
			rec.RunID = "run-" + body[:8]
			if err := w.Append(rec); err != nil {
				return false
			}
			recs, err := r.List()
			if err != nil {
				return false
			}
			for _, got := range recs {
				if strings.Contains(got.ManifestHash, ":") || len(got.ManifestHash) != 64 || !IsPureHex(got.ManifestHash) {
					return false
				}
			}
			return true
		},
		gen.RegexMatch(`[0-9a-f]{64}`),
	))
	properties.TestingRun(t)
}
