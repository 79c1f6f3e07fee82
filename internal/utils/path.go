package utils

import (
	"errors"
	"os"
	"path/filepath"
)

func EnsureParent(path string) error {
	dir := filepath.Dir(path)
	return EnsureDir(dir)
}

func EnsureDir(path string) error {
	// already exists
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	return os.MkdirAll(path, 0o755)
}

// IsNotExist reports whether err means the file or directory is absent,
// unwrapping wrapped errors.
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

func DirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
