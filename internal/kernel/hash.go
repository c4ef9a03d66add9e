package kernel

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// HashSources hashes the relative paths and contents of every regular file
// under dir. The result only depends on file names and bytes, not on walk
// order or timestamps.
func HashSources(dir string) (string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk kernel sources %s: %w", dir, err)
	}
	sort.Strings(files)

	digest := xxhash.New()
	for _, path := range files {
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return "", err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read kernel source: %w", err)
		}
		_, _ = digest.WriteString(filepath.ToSlash(rel))
		_, _ = digest.Write([]byte{0})
		_, _ = digest.Write(data)
		_, _ = digest.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", digest.Sum64()), nil
}

// HashString hashes s into the form used in artifact names.
func HashString(s string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(s))
}
