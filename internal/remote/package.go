package remote

import (
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"
)

// DefaultAllowlist covers what a worker needs from a build directory: the
// manifest and the materialized step configs. Anything else stays home.
var DefaultAllowlist = []string{
	"manifest.yaml",
	"steps/**/*.yaml",
}

// PackedFile is one file of the upload package. Checksum is blake3 hex of
// Data; the worker refuses files whose checksum does not match.
type PackedFile struct {
	Path     string `json:"path"`
	Data     []byte `json:"data"`
	Checksum string `json:"checksum"`
}

// BuildPackage collects the files under root whose slash-relative paths
// match any allowlist glob. Output order is path-sorted so the package is
// deterministic.
func BuildPackage(root string, allowlist []string) ([]PackedFile, error) {
	if len(allowlist) == 0 {
		allowlist = DefaultAllowlist
	}
	for _, pattern := range allowlist {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid allowlist pattern %q", pattern)
		}
	}
	var files []PackedFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		matched := false
		for _, pattern := range allowlist {
			ok, merr := doublestar.Match(pattern, rel)
			if merr != nil {
				return merr
			}
			if ok {
				matched = true
				break
			}
		}
		if !matched {
			return nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		sum := blake3.Sum256(b)
		files = append(files, PackedFile{Path: rel, Data: b, Checksum: hex.EncodeToString(sum[:])})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// verifyChecksum compares data against a blake3 hex digest.
func verifyChecksum(data []byte, sum string) error {
	got := blake3.Sum256(data)
	if hex.EncodeToString(got[:]) != sum {
		return fmt.Errorf("checksum mismatch")
	}
	return nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// VerifyAndUnpack checks every file's checksum and writes the package under
// dest. Paths are confined to dest; a traversal attempt is an error.
func VerifyAndUnpack(files []PackedFile, dest string) error {
	for _, f := range files {
		sum := blake3.Sum256(f.Data)
		if hex.EncodeToString(sum[:]) != f.Checksum {
			return fmt.Errorf("package file %s: checksum mismatch", f.Path)
		}
		target := filepath.Join(dest, filepath.FromSlash(f.Path))
		rel, err := filepath.Rel(dest, target)
		if err != nil || rel == ".." || (len(rel) > 2 && rel[:3] == ".."+string(filepath.Separator)) {
			return fmt.Errorf("package file %s escapes destination", f.Path)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(target, f.Data, 0o644); err != nil {
			return err
		}
	}
	return nil
}
