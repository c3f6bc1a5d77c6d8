package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FreeBytes reports the free disk space available to the filesystem holding
// path. If path does not exist yet, the nearest existing parent is probed.
func FreeBytes(path string) (uint64, error) {
	if path == "" {
		return 0, fmt.Errorf("path is empty")
	}

	probe, err := nearestExistingPath(path)
	if err != nil {
		return 0, fmt.Errorf("resolve path %q: %w", path, err)
	}
	return freeBytes(probe)
}

func nearestExistingPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	candidate := absPath
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}

		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", absPath)
		}
		candidate = parent
	}
}
