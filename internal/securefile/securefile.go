// Package securefile writes key material to disk without ever exposing a
// partially written or world-readable file.
package securefile

import (
	"os"
	"path/filepath"
	"runtime"
)

// MkdirAllOwnerOnly creates dir (and parents) and enforces owner-only
// permissions on unix. Permission bits are unreliable on Windows, so there
// the function only ensures the directory exists.
func MkdirAllOwnerOnly(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	if runtime.GOOS == "windows" {
		return nil
	}
	// An already-existing directory keeps its old mode through MkdirAll.
	return os.Chmod(dir, 0o700)
}

// WriteFileAtomic writes data to filename through a temp file and rename,
// enforcing perm on unix even when overwriting (os.WriteFile only applies
// perm on create).
func WriteFileAtomic(filename string, data []byte, perm os.FileMode) error {
	f, err := os.CreateTemp(filepath.Dir(filename), "."+filepath.Base(filename)+".tmp.*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	committed := false
	defer func() {
		_ = f.Close()
		if !committed {
			_ = os.Remove(tmp)
		}
	}()

	if runtime.GOOS != "windows" {
		if err := f.Chmod(perm); err != nil {
			return err
		}
	}
	if _, err := f.Write(data); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if runtime.GOOS == "windows" {
		// os.Rename does not overwrite an existing destination there.
		_ = os.Remove(filename)
	}
	if err := os.Rename(tmp, filename); err != nil {
		return err
	}
	committed = true
	if runtime.GOOS != "windows" {
		// Keep the final path at the desired mode even if umask or
		// filesystem quirks interfered.
		return os.Chmod(filename, perm)
	}
	return nil
}
