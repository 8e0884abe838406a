package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/google/uuid"

	"github.com/tendant/deepmath-pipeline/internal/dataset"
	"github.com/tendant/deepmath-pipeline/pkg/pipeline"
)

// ErrPathTraversal is returned when a name would resolve outside the working directory
var ErrPathTraversal = errors.New("path traversal detected")

var _ ReaderWithMetadata = (*Workdir)(nil)

// Workdir is the working directory of a prepare run. All writes go through
// its filesystem, which is bound to the root.
type Workdir struct {
	root string
	fs   billy.Filesystem
}

// InitWorkdir returns the working directory for mode under baseDir, creating
// it and any missing parents. Calling it again for an existing directory is a
// no-op.
func InitWorkdir(baseDir string, mode dataset.Mode) (*Workdir, error) {
	if mode != dataset.Debug && mode != dataset.Standard {
		return nil, pipeline.NewError("init workdir", pipeline.ErrConfig, fmt.Errorf("unrecognized mode %s", mode))
	}
	return OpenWorkdir(filepath.Join(baseDir, mode.String()))
}

// OpenWorkdir creates root if needed and checks that it is a writable directory.
func OpenWorkdir(root string) (*Workdir, error) {
	if root == "" {
		return nil, pipeline.NewError("init workdir", pipeline.ErrIO, errors.New("empty path"))
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, pipeline.NewError("init workdir", pipeline.ErrIO, err).WithPath(root)
	}

	// Ensure base directory exists
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, pipeline.NewError("init workdir", pipeline.ErrIO, fmt.Errorf("failed to create directory: %w", err)).WithPath(abs)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, pipeline.NewError("init workdir", pipeline.ErrIO, err).WithPath(abs)
	}
	if !info.IsDir() {
		return nil, pipeline.NewError("init workdir", pipeline.ErrIO, errors.New("not a directory")).WithPath(abs)
	}

	w := NewWorkdir(abs, osfs.New(abs, osfs.WithBoundOS()))
	if err := w.probeWritable(); err != nil {
		return nil, err
	}
	return w, nil
}

// NewWorkdir wraps an existing filesystem rooted at root. root must be absolute.
func NewWorkdir(root string, fs billy.Filesystem) *Workdir {
	return &Workdir{root: root, fs: fs}
}

// probeWritable creates and removes a throwaway file in the root.
func (w *Workdir) probeWritable() error {
	name := ".probe-" + uuid.New().String()
	f, err := w.fs.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return pipeline.NewError("init workdir", pipeline.ErrIO, fmt.Errorf("directory not writable: %w", err)).WithPath(w.root)
	}
	closeErr := f.Close()
	if err := w.fs.Remove(name); err != nil {
		return pipeline.NewError("init workdir", pipeline.ErrIO, err).WithPath(w.root)
	}
	if closeErr != nil {
		return pipeline.NewError("init workdir", pipeline.ErrIO, closeErr).WithPath(w.root)
	}
	return nil
}

// Root returns the absolute path of the working directory.
func (w *Workdir) Root() string {
	return w.root
}

// FS returns the filesystem bound to the root.
func (w *Workdir) FS() billy.Filesystem {
	return w.fs
}

// Path returns the absolute path of a root-relative name.
func (w *Workdir) Path(rel string) string {
	return filepath.Join(w.root, rel)
}

// Resolve validates name and returns it as a clean root-relative path.
// Absolute names, names with a ".." segment and names whose resolution
// (following symlinks already inside the root) leaves the root are rejected.
// The root itself resolves to ".".
func (w *Workdir) Resolve(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrPathTraversal)
	}
	slashed := strings.ReplaceAll(name, `\`, "/")
	if strings.HasPrefix(slashed, "/") || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("%w: absolute name %q", ErrPathTraversal, name)
	}
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrPathTraversal, name)
		}
	}

	rel := filepath.FromSlash(path.Clean(slashed))
	if rel == "." {
		return rel, nil
	}

	joined, err := securejoin.SecureJoin(w.root, rel)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPathTraversal, err)
	}
	if joined != filepath.Join(w.root, rel) {
		return "", fmt.Errorf("%w: %q resolves to %s", ErrPathTraversal, name, joined)
	}
	return rel, nil
}

// GetReader returns a reader for the file at the given key
func (w *Workdir) GetReader(ctx context.Context, key string) (io.ReadCloser, error) {
	rel, err := w.Resolve(key)
	if err != nil {
		return nil, pipeline.NewError("open", pipeline.ErrIO, err).WithPath(key)
	}

	f, err := w.fs.Open(rel)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, pipeline.NewError("open", pipeline.ErrIO, fmt.Errorf("file not found: %w", err)).WithPath(key)
		}
		return nil, pipeline.NewError("open", pipeline.ErrIO, err).WithPath(key)
	}
	return f, nil
}

// Exists checks if a file exists at the given key
func (w *Workdir) Exists(ctx context.Context, key string) (bool, error) {
	rel, err := w.Resolve(key)
	if err != nil {
		return false, pipeline.NewError("stat", pipeline.ErrIO, err).WithPath(key)
	}

	_, err = w.fs.Stat(rel)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, pipeline.NewError("stat", pipeline.ErrIO, err).WithPath(key)
	}
	return true, nil
}

// GetMetadata returns metadata for the file at the given key
func (w *Workdir) GetMetadata(ctx context.Context, key string) (*Metadata, error) {
	rel, err := w.Resolve(key)
	if err != nil {
		return nil, pipeline.NewError("stat", pipeline.ErrIO, err).WithPath(key)
	}

	info, err := w.fs.Stat(rel)
	if err != nil {
		return nil, pipeline.NewError("stat", pipeline.ErrIO, err).WithPath(key)
	}

	return &Metadata{
		Size:    info.Size(),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
	}, nil
}
