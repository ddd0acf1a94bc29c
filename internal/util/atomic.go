// Package util provides common utility functions for taskvault.
package util

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// TempPrefix prefixes every temporary file created by AtomicWriteFile. Files
// with this prefix are never valid documents and may be swept on startup.
const TempPrefix = ".tmp-"

// AtomicWriteFile writes data to path on fsys by first writing to a
// temporary file in the same directory, syncing it, then renaming it over
// the target. Readers observe either the old bytes or the new bytes, never a
// partial file.
//
// The parent directory must already exist; directory creation is the
// caller's decision so that a missing project is not silently created.
func AtomicWriteFile(fsys afero.Fs, path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	tmpFile, err := afero.TempFile(fsys, dir, TempPrefix+"*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = fsys.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := fsys.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}

	if err := fsys.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp to final: %w", err)
	}

	success = true
	return nil
}

// SweepTempFiles removes leftover temporary files in dir, returning how many
// were removed. Leftovers only exist if a process died between create and
// rename.
func SweepTempFiles(fsys afero.Fs, dir string) (int, error) {
	matches, err := afero.Glob(fsys, filepath.Join(dir, TempPrefix+"*"))
	if err != nil {
		return 0, fmt.Errorf("glob temp files: %w", err)
	}
	removed := 0
	for _, m := range matches {
		if err := fsys.Remove(m); err == nil {
			removed++
		}
	}
	return removed, nil
}
