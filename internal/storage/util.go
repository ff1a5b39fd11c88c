package storage

import (
	"os"
	"path/filepath"
)

// EnsureParentDir ensures the directory holding a database file exists.
func EnsureParentDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0755)
}
