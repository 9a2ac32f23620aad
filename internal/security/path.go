package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ValidateDataPath validates a user-supplied file path before it is opened.
// Relative traversal components and NUL bytes are rejected; absolute paths
// are allowed since the store and vault live wherever the deployment puts
// its data directory.
func ValidateDataPath(path string) error {
	if path == "" {
		return fmt.Errorf("file path cannot be empty")
	}
	if strings.ContainsRune(path, '\x00') {
		return fmt.Errorf("file path contains NUL byte")
	}

	clean := filepath.Clean(path)
	for _, part := range strings.Split(clean, string(filepath.Separator)) {
		if part == ".." {
			return fmt.Errorf("path contains directory traversal: %s", path)
		}
	}

	return nil
}

// EnsureDir validates the path and creates the directory with restrictive
// permissions. Key material lives under these directories, so 0700 is
// mandatory, not advisory.
func EnsureDir(dir string) error {
	if err := ValidateDataPath(dir); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}
