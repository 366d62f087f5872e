// Package localfs is the local persistent store abstraction: a
// capability-scoped directory handle with folder creation, file
// read/write/exists, and explicit write-permission verification. All mirror
// output flows through a Dir rooted at the user-chosen mirror root.
package localfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// ErrNoRoot indicates no mirror root has been configured or granted.
var ErrNoRoot = errors.New("no mirror root configured")

// Dir is a handle on one directory. Handles are obtained from OpenRoot or
// EnsureFolder and never escape their root.
type Dir struct {
	path string
}

// OpenRoot opens (creating if needed) the mirror root and returns its handle.
func OpenRoot(path string) (*Dir, error) {
	if path == "" {
		return nil, ErrNoRoot
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("opening mirror root %s: %w", path, err)
	}
	return &Dir{path: path}, nil
}

// Path returns the directory's filesystem path.
func (d *Dir) Path() string { return d.path }

// VerifyWritable probes the directory for write permission. Run before every
// cycle: permission can be revoked between cycles (unmounted volume, chmod),
// and detecting that up front yields a clean configuration error instead of a
// half-written entity.
func (d *Dir) VerifyWritable() error {
	probe := filepath.Join(d.path, ".cvm-write-probe")
	if err := os.WriteFile(probe, []byte{}, 0o644); err != nil {
		return fmt.Errorf("mirror root not writable: %w", err)
	}
	_ = os.Remove(probe)
	return nil
}

// EnsureFolder returns a handle on the named child directory, creating it if
// absent. Never fails when the directory already exists.
func (d *Dir) EnsureFolder(name string) (*Dir, error) {
	child := filepath.Join(d.path, name)
	if err := os.MkdirAll(child, 0o755); err != nil {
		return nil, fmt.Errorf("creating folder %s: %w", name, err)
	}
	return &Dir{path: child}, nil
}

// WriteFile writes content to the named file, replacing any existing file.
func (d *Dir) WriteFile(name string, content []byte) error {
	if err := os.WriteFile(filepath.Join(d.path, name), content, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// WriteFileAtomic writes content via a temp file and rename so readers never
// observe a partial file. Used for the sync-state document.
func (d *Dir) WriteFileAtomic(name string, content []byte) error {
	tmp := filepath.Join(d.path, name+".tmp")
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := renameWithRetry(tmp, filepath.Join(d.path, name)); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// FileExists reports whether the named file exists in this directory.
func (d *Dir) FileExists(name string) (bool, error) {
	_, err := os.Stat(filepath.Join(d.path, name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking %s: %w", name, err)
}

// ReadFile reads the named file. Callers distinguish a missing file via
// os.IsNotExist on the wrapped error.
func (d *Dir) ReadFile(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(d.path, name))
	if err != nil {
		return nil, err
	}
	return data, nil
}

// renameWithRetry renames with exponential-backoff retries on Windows, where
// a file held open by another process (editor, indexer) can briefly block the
// rename. On other platforms a failure is permanent and returned immediately.
func renameWithRetry(oldPath, newPath string) error {
	const maxRetries = 3
	delay := 100 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if lastErr = os.Rename(oldPath, newPath); lastErr == nil {
			return nil
		}
		if runtime.GOOS != "windows" {
			break
		}
		if attempt < maxRetries {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return fmt.Errorf("renaming %s: %w", filepath.Base(newPath), lastErr)
}
