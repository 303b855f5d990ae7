package resilience

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"memoria/internal/logging"
)

// atomicWriteCounter disambiguates concurrent temp file names within the
// same directory.
var atomicWriteCounter atomic.Uint64

// WriteFileAtomic writes data to path durably: it creates a temp file in
// path's directory, writes and fsyncs it, renames it over path, then fsyncs
// the parent directory. On success either the old or the new content is
// visible to any reader of path, never a partial write.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	seq := atomicWriteCounter.Add(1)
	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d", filepath.Base(path), seq))

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("create temp file %s: %w", tmpPath, err)
	}

	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file %s: %w", tmpPath, err)
	}
	if err := f.Chmod(perm); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file %s: %w", tmpPath, err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file %s: %w", tmpPath, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename %s to %s: %w", tmpPath, path, err)
	}

	if err := fsyncDir(dir); err != nil {
		logging.Get(logging.CategoryResilience).Warn("parent directory fsync failed for %s: %v", path, err)
	}

	return nil
}

// fsyncDir fsyncs a directory so that a preceding rename within it is
// durable across a crash, not just visible to other readers.
func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open directory %s: %w", dir, err)
	}
	defer d.Close()
	return d.Sync()
}
