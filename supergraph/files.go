package supergraph

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// fileHash returns the BLAKE3 digest of the file at path. ok is false when the file
// does not exist.
func fileHash(path string) (sum [32]byte, ok bool, err error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return sum, false, nil
	}
	if err != nil {
		return sum, false, err
	}
	defer f.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return sum, false, fmt.Errorf("supergraph: hash %s: %w", path, err)
	}
	copy(sum[:], hasher.Sum(nil))
	return sum, true, nil
}

// swapIfChanged renames next over current unless both hold the same bytes, in which
// case next is removed. The rename is atomic: readers see the old or the new file,
// never a partial one.
func swapIfChanged(next, current string) (bool, error) {
	nextSum, ok, err := fileHash(next)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("supergraph: %s was not produced", next)
	}

	currentSum, exists, err := fileHash(current)
	if err != nil {
		return false, err
	}
	if exists && currentSum == nextSum {
		return false, os.Remove(next)
	}

	if err := os.Rename(next, current); err != nil {
		return false, fmt.Errorf("supergraph: install %s: %w", current, err)
	}
	return true, nil
}

// installIfChanged writes data to path only if the content differs.
func installIfChanged(path string, data []byte) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	next := path + ".next"
	if err := os.WriteFile(next, data, 0o644); err != nil {
		return false, fmt.Errorf("supergraph: write %s: %w", next, err)
	}
	return swapIfChanged(next, path)
}
