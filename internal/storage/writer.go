package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/google/uuid"

	"github.com/tendant/deepmath-pipeline/internal/dataset"
	"github.com/tendant/deepmath-pipeline/pkg/pipeline"
)

// ContentWriter persists fetched content into a working directory. A file
// at the target path is either absent or complete: bytes go to a temporary
// file in the same directory which is renamed into place on success.
type ContentWriter struct {
	workdir *Workdir
	logger  *slog.Logger
}

// NewContentWriter creates a writer for the given working directory
func NewContentWriter(workdir *Workdir, logger *slog.Logger) *ContentWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContentWriter{
		workdir: workdir,
		logger:  logger,
	}
}

// Write consumes content and persists it as name inside the working
// directory, returning the absolute path of the persisted file.
func (cw *ContentWriter) Write(ctx context.Context, content *FetchedContent, name string) (string, error) {
	if err := dataset.ValidateFilename(name); err != nil {
		return "", pipeline.NewError("write", pipeline.ErrConfig, err).WithPath(name)
	}
	rel, err := cw.workdir.Resolve(name)
	if err != nil {
		return "", pipeline.NewError("write", pipeline.ErrIO, err).WithPath(name)
	}
	target := cw.workdir.Path(rel)

	data, err := content.Consume()
	if err != nil {
		return "", pipeline.NewError("write", pipeline.ErrIO, err).WithPath(target)
	}
	if err := ctx.Err(); err != nil {
		return "", pipeline.NewError("write", pipeline.ErrIO, err).WithPath(target)
	}

	if err := WriteFileAtomic(ctx, cw.workdir, rel, bytes.NewReader(data), int64(len(data))); err != nil {
		return "", err
	}

	cw.logger.Info("content persisted", "path", target, "bytes", len(data))
	return target, nil
}

// WriteFileAtomic copies r into rel under w through a temporary sibling file
// and renames it into place. size is the number of bytes r must yield, or -1
// when unknown; the persisted size is checked before the rename. The parent
// directory is synced after the rename so the new entry survives a crash. On
// any failure before the rename the temporary file is removed and rel is left
// untouched.
func WriteFileAtomic(ctx context.Context, w *Workdir, rel string, r io.Reader, size int64) (err error) {
	fs := w.FS()
	target := w.Path(rel)
	tmp := filepath.Join(filepath.Dir(rel), "."+filepath.Base(rel)+"."+uuid.New().String()+".partial")

	f, err := fs.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return pipeline.NewError("write", pipeline.ErrIO, fmt.Errorf("failed to create temp file: %w", err)).WithPath(target)
	}

	closed := false
	defer func() {
		if err == nil {
			return
		}
		if !closed {
			_ = f.Close()
		}
		_ = fs.Remove(tmp)
	}()

	written, err := io.Copy(f, r)
	if err != nil {
		return pipeline.NewError("write", pipeline.ErrIO, fmt.Errorf("failed after %d bytes: %w", written, err)).WithPath(target)
	}
	if syncer, ok := f.(interface{ Sync() error }); ok {
		if err = syncer.Sync(); err != nil {
			return pipeline.NewError("write", pipeline.ErrIO, fmt.Errorf("failed to sync: %w", err)).WithPath(target)
		}
	}
	closed = true
	if err = f.Close(); err != nil {
		return pipeline.NewError("write", pipeline.ErrIO, fmt.Errorf("failed to close: %w", err)).WithPath(target)
	}

	info, err := fs.Stat(tmp)
	if err != nil {
		return pipeline.NewError("write", pipeline.ErrIO, err).WithPath(target)
	}
	if info.Size() != written || (size >= 0 && written != size) {
		err = pipeline.NewError("write", pipeline.ErrIntegrity,
			fmt.Errorf("persisted %d bytes (copied %d), expected %d", info.Size(), written, size)).WithPath(target)
		return err
	}

	if err = ctx.Err(); err != nil {
		return pipeline.NewError("write", pipeline.ErrIO, err).WithPath(target)
	}
	if err = fs.Rename(tmp, rel); err != nil {
		return pipeline.NewError("write", pipeline.ErrIO, fmt.Errorf("failed to rename into place: %w", err)).WithPath(target)
	}
	if serr := syncDir(filepath.Dir(target)); serr != nil {
		return pipeline.NewError("write", pipeline.ErrIO, fmt.Errorf("failed to sync directory: %w", serr)).WithPath(target)
	}
	return nil
}

// syncDir flushes directory entries of dir to stable storage. Directories
// that do not exist on the OS filesystem (in-memory roots) and platforms that
// cannot sync directories are skipped.
var syncDir = func(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) {
		return err
	}
	return nil
}
