package network

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// zipDirectory packs a directory tree into a temporary archive and returns
// its path. The caller owns the file and removes it when the send finishes.
func zipDirectory(dir string) (string, error) {
	archive, err := os.CreateTemp("", "airsend-*.zip")
	if err != nil {
		return "", fmt.Errorf("create temp archive: %w", err)
	}

	writer := zip.NewWriter(archive)
	walkErr := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		dest, err := writer.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		source, err := os.Open(path)
		if err != nil {
			return err
		}
		defer source.Close()

		_, err = io.Copy(dest, source)
		return err
	})

	if err := writer.Close(); err != nil && walkErr == nil {
		walkErr = err
	}
	if err := archive.Close(); err != nil && walkErr == nil {
		walkErr = err
	}
	if walkErr != nil {
		_ = os.Remove(archive.Name())
		return "", fmt.Errorf("zip %q: %w", dir, walkErr)
	}
	return archive.Name(), nil
}
