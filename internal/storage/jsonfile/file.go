// Package jsonfile persists JSON snapshots atomically: every write goes to a temp
// file in the same directory and is renamed over the target, so readers never see a
// partially written document.
package jsonfile

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

const (
	dirPermissions  = 0o755
	filePermissions = 0o600
)

// File is a single snapshot file.
//
// Owners serialize state under their own lock, release it, then call Write with a
// version taken under that lock. Write drops snapshots older than the last one written,
// so a slow writer can never overwrite a newer state with an older one.
type File struct {
	path string

	mu          sync.Mutex
	lastVersion uint64
}

// New returns a File at path; the parent directory is created on first write.
func New(path string) *File {
	return &File{path: path}
}

// Path returns the target path.
func (f *File) Path() string {
	if f == nil {
		return ""
	}
	return f.path
}

// Read returns the file content, or nil when the file does not exist or is empty.
func (f *File) Read() ([]byte, error) {
	if f == nil || f.path == "" {
		return nil, nil
	}

	payload, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read %s", f.path)
	}

	if len(payload) == 0 {
		return nil, nil
	}

	return payload, nil
}

// Write persists payload if version is newer than the last written snapshot.
// It reports whether the payload was written.
func (f *File) Write(version uint64, payload []byte) (bool, error) {
	if f == nil || f.path == "" {
		return false, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if version != 0 && version <= f.lastVersion {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(f.path), dirPermissions); err != nil {
		return false, errors.Wrap(err, "create state dir")
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return false, errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return false, errors.Wrap(err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return false, errors.Wrap(err, "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return false, errors.Wrap(err, "close temp file")
	}
	if err := os.Chmod(tmpName, filePermissions); err != nil {
		os.Remove(tmpName)
		return false, errors.Wrap(err, "chmod temp file")
	}

	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return false, errors.Wrapf(err, "rename into %s", f.path)
	}

	if version > f.lastVersion {
		f.lastVersion = version
	}

	return true, nil
}
