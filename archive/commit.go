package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/semaphore"
)

const defaultCommitWorkers = 4

// Filesystem hooks; tests swap them to simulate cross-device moves and
// cleanup failures.
var (
	renameFile = os.Rename
	removeFile = os.Remove
)

// workerPool bounds concurrent heavy filesystem work (staging creation, commit moves)
// so a burst of finalizes cannot saturate the disk at the expense of ingesting transfers.
type workerPool struct {
	sem *semaphore.Weighted
}

func newWorkerPool(size int) *workerPool {
	if size <= 0 {
		size = defaultCommitWorkers
	}
	return &workerPool{sem: semaphore.NewWeighted(int64(size))}
}

func (p *workerPool) run(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire filesystem worker: %w", err)
	}
	defer p.sem.Release(1)
	return fn()
}

func openStagingFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, stagingError("create scratch directory", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, stagingError("create staging file", err)
	}
	return file, nil
}

func removeIfExists(path string) error {
	if path == "" {
		return nil
	}
	if err := removeFile(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// confineToRoot resolves symlinks in the deepest existing ancestor of dir and
// fails unless the result stays inside root.
func confineToRoot(root, dir string) error {
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return stagingError("resolve archive root", err)
	}

	existing := filepath.Clean(dir)
	for {
		_, err := os.Lstat(existing)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return stagingError("inspect destination directory", err)
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		existing = parent
	}

	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return stagingError("resolve destination directory", err)
	}
	if resolved == resolvedRoot {
		return nil
	}
	if _, ok := localTo(resolvedRoot, resolved); !ok {
		return fmt.Errorf("%w: %q resolves to %q", ErrPathOutsideRoot, dir, resolved)
	}
	return nil
}

// commitFile moves a fully written staging file to its final path under root.
// The final path is only ever produced by a rename, so readers never observe a
// partial file. After a cross-device copy the staging file is left for the
// caller to remove.
func commitFile(root, tempPath, finalPath string) error {
	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return stagingError("create destination directory", err)
	}
	// A symlink planted after admission must not redirect the commit.
	if err := confineToRoot(root, dir); err != nil {
		return err
	}

	err := renameFile(tempPath, finalPath)
	if err == nil {
		syncDir(dir)
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return stagingError("rename staging file", err)
	}

	if err := copyAcrossDevices(tempPath, finalPath); err != nil {
		return err
	}
	syncDir(dir)
	return nil
}

// copyAcrossDevices copies into a hidden sibling of finalPath and renames it
// into place, keeping the final rename on one filesystem.
func copyAcrossDevices(tempPath, finalPath string) error {
	src, err := os.Open(tempPath)
	if err != nil {
		return stagingError("open staging file", err)
	}
	defer func() {
		_ = src.Close()
	}()

	dst, err := os.CreateTemp(filepath.Dir(finalPath), "."+filepath.Base(finalPath)+".*.part")
	if err != nil {
		return stagingError("create destination temp file", err)
	}
	dstPath := dst.Name()
	committed := false
	defer func() {
		if !committed {
			_ = dst.Close()
			_ = os.Remove(dstPath)
		}
	}()

	if _, err := io.Copy(dst, src); err != nil {
		return stagingError("copy staging file", err)
	}
	if err := dst.Sync(); err != nil {
		return stagingError("sync destination temp file", err)
	}
	if err := dst.Close(); err != nil {
		return stagingError("close destination temp file", err)
	}
	if err := renameFile(dstPath, finalPath); err != nil {
		return stagingError("rename destination temp file", err)
	}
	committed = true
	return nil
}

// syncDir flushes a directory entry after a rename. Not every platform allows
// opening a directory for sync, so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
