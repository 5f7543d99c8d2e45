package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ResolveDestination returns the absolute directory a download should be
// written to. An empty dest selects base; a relative dest is resolved
// against base and may not climb out of it. The directory is created if
// needed and must be writable.
func ResolveDestination(dest, base string) (string, error) {
	if dest == "" {
		dest = base
	}
	if strings.Contains(filepath.ToSlash(dest), "..") {
		return "", fmt.Errorf("destination contains invalid directory traversal")
	}
	full := filepath.Clean(dest)
	if !filepath.IsAbs(full) {
		full = filepath.Join(base, full)
	}
	abs, err := filepath.Abs(full)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(abs)
	switch {
	case err == nil && !info.IsDir():
		return "", fmt.Errorf("destination exists but is not a directory: %s", abs)
	case os.IsNotExist(err):
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return "", fmt.Errorf("cannot create destination: %w", err)
		}
	case err != nil:
		return "", fmt.Errorf("cannot access destination: %w", err)
	}

	if err := checkWritable(abs); err != nil {
		return "", fmt.Errorf("no write permission for destination: %w", err)
	}
	return abs, nil
}

func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".mango_write_check_*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
