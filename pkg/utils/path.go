package utils

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidatePath validates that a file path is safe and does not contain
// directory traversal attempts. Cache and mirror directories taken from
// configuration go through this check before anything is created on disk.
//
// Example usage:
//
//	if err := ValidatePath(cfg.Directory, true); err != nil {
//		return fmt.Errorf("invalid cache directory: %w", err)
//	}
func ValidatePath(path string, allowAbsolute bool) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	// Clean the path to resolve any . or .. elements
	cleanPath := filepath.Clean(path)

	if strings.Contains(cleanPath, "..") {
		return fmt.Errorf("path contains directory traversal: %s", path)
	}

	if !allowAbsolute && filepath.IsAbs(cleanPath) {
		return fmt.Errorf("absolute paths not allowed: %s", path)
	}

	return nil
}

// SecureJoin safely joins path elements and ensures the result stays within
// the base directory. Unlike filepath.Join, this function validates that the
// result doesn't escape the base through directory traversal.
//
// Example usage:
//
//	safePath, err := SecureJoin(store.root, entryFilename)
//	if err != nil {
//		return fmt.Errorf("invalid entry path: %w", err)
//	}
func SecureJoin(base string, elements ...string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}

	cleanBase := filepath.Clean(base)

	fullPath := filepath.Join(append([]string{cleanBase}, elements...)...)

	if !strings.HasPrefix(fullPath, cleanBase+string(filepath.Separator)) &&
		fullPath != cleanBase {
		return "", fmt.Errorf("path escapes base directory")
	}

	return fullPath, nil
}
