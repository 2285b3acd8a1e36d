package database

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

//go:embed migrations/*
var migrationsFS embed.FS

// MigrationsTempDir creates a temporary directory, populates it with the migration files of the
// sql dialect, and returns the path to that directory.
// This is useful to run database migrations with only the binary,
// without having to ship around the migration files separately.
//
// It is the caller's repsonsibility to remove the directory when it is no longer needed.
func MigrationsTempDir(dialect string) (string, error) {
	root := path.Join("migrations", dialect)
	mFS, err := fs.Sub(migrationsFS, root)
	if err != nil {
		return "", err
	}
	if _, err := fs.Stat(migrationsFS, root); err != nil {
		return "", fmt.Errorf("no migrations for dialect %q: %w", dialect, err)
	}

	tmpDir, err := os.MkdirTemp("", "ibc-history-migrations-*")
	if err != nil {
		return "", err
	}

	if err := fs.WalkDir(mFS, ".", func(p string, d fs.DirEntry, _ error) error {
		dst := filepath.Join(tmpDir, p)
		if dst == tmpDir {
			return nil
		}

		if d.IsDir() {
			if err := os.Mkdir(dst, 0700); err != nil {
				return fmt.Errorf("failed to mkdir %q: %w", dst, err)
			}
			return nil
		}

		content, err := migrationsFS.ReadFile(path.Join(root, p))
		if err != nil {
			return err
		}

		return os.WriteFile(dst, content, 0600)
	}); err != nil {
		os.RemoveAll(tmpDir)
		return "", err
	}

	return tmpDir, nil
}
