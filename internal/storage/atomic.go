// Package storage provides the daemon's two persistence primitives
// (spec.md §4.J): atomic whole-file replace, and an embedded
// WAL-mode, FTS5-backed SQLite store shared by internal/store and
// internal/trust.
package storage

import (
	"os"
	"path/filepath"

	"github.com/ocx/hubd/internal/apierr"
)

// AtomicReplace writes data to a temp file in dir(path), fsyncs it, and
// renames it over path. Concurrent writers race on the rename; the last
// one wins, but the destination file is always a complete, well-formed
// write — never a partial one. No temp file remains once the call
// returns successfully.
func AtomicReplace(path string, data []byte) error {
	return atomicReplaceMode(path, data, 0o644)
}

// AtomicReplaceMode is AtomicReplace with an explicit file mode, used
// for files that must carry tighter permissions (token files, etc).
func AtomicReplaceMode(path string, data []byte, mode os.FileMode) error {
	return atomicReplaceMode(path, data, mode)
}

func atomicReplaceMode(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return apierr.Wrap(apierr.KindIO, "create parent directory", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return apierr.Wrap(apierr.KindIO, "create temp file", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return apierr.Wrap(apierr.KindIO, "chmod temp file", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return apierr.Wrap(apierr.KindIO, "write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return apierr.Wrap(apierr.KindIO, "fsync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return apierr.Wrap(apierr.KindIO, "close temp file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return apierr.Wrap(apierr.KindIO, "rename temp file into place", err)
	}
	cleanup = false
	return nil
}

// WriteOnce retries AtomicReplace once on failure, matching spec.md
// §7's "persistence write failures are retried once" policy. A second
// failure is returned as-is (already a KindIO apierr.Error).
func WriteOnce(path string, data []byte) error {
	if err := AtomicReplace(path, data); err != nil {
		return AtomicReplace(path, data)
	}
	return nil
}
