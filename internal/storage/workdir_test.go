package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/deepmath-pipeline/internal/dataset"
	"github.com/tendant/deepmath-pipeline/pkg/pipeline"
)

func TestInitWorkdirIdempotent(t *testing.T) {
	base := filepath.Join(t.TempDir(), "nested", "data")

	for _, mode := range []dataset.Mode{dataset.Debug, dataset.Standard} {
		t.Run(mode.String(), func(t *testing.T) {
			first, err := InitWorkdir(base, mode)
			require.NoError(t, err)

			marker := filepath.Join(first.Root(), "keep.txt")
			require.NoError(t, os.WriteFile(marker, []byte("x"), 0o644))

			second, err := InitWorkdir(base, mode)
			require.NoError(t, err)
			assert.Equal(t, first.Root(), second.Root())
			assert.Equal(t, filepath.Join(base, mode.String()), second.Root())

			data, err := os.ReadFile(marker)
			require.NoError(t, err)
			assert.Equal(t, "x", string(data))

			entries, err := os.ReadDir(second.Root())
			require.NoError(t, err)
			assert.Len(t, entries, 1, "probe file must not be left behind")
		})
	}
}

func TestInitWorkdirErrors(t *testing.T) {
	t.Run("unknown mode", func(t *testing.T) {
		_, err := InitWorkdir(t.TempDir(), dataset.Mode(9))
		assert.ErrorIs(t, err, pipeline.ErrConfig)
	})

	t.Run("path is a file", func(t *testing.T) {
		base := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(base, "debug"), nil, 0o644))

		_, err := InitWorkdir(base, dataset.Debug)
		assert.ErrorIs(t, err, pipeline.ErrIO)
	})

	t.Run("parent is a file", func(t *testing.T) {
		base := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(base, nil, 0o644))

		_, err := InitWorkdir(base, dataset.Standard)
		assert.ErrorIs(t, err, pipeline.ErrIO)
	})

	t.Run("read only", func(t *testing.T) {
		if runtime.GOOS == "windows" || os.Geteuid() == 0 {
			t.Skip("permission bits are not enforced")
		}
		base := t.TempDir()
		root := filepath.Join(base, "standard")
		require.NoError(t, os.Mkdir(root, 0o555))

		_, err := InitWorkdir(base, dataset.Standard)
		assert.ErrorIs(t, err, pipeline.ErrIO)
	})
}

func TestWorkdirResolve(t *testing.T) {
	w, err := OpenWorkdir(t.TempDir())
	require.NoError(t, err)

	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{name: "equations.csv", want: "equations.csv"},
		{name: "./data/train.txt", want: filepath.Join("data", "train.txt")},
		{name: "data//x", want: filepath.Join("data", "x")},
		{name: "./", want: "."},
		{name: "", wantErr: true},
		{name: "../evil", wantErr: true},
		{name: "../../etc/passwd", wantErr: true},
		{name: "data/../../evil", wantErr: true},
		{name: "data/..", wantErr: true},
		{name: "/etc/passwd", wantErr: true},
		{name: `..\evil`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := w.Resolve(tt.name)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrPathTraversal)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWorkdirResolveSymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	outside := t.TempDir()
	w, err := OpenWorkdir(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.Symlink(outside, filepath.Join(w.Root(), "link")))

	_, err = w.Resolve("link/passwd")
	assert.ErrorIs(t, err, ErrPathTraversal)
}

func TestWorkdirReadAccess(t *testing.T) {
	ctx := context.Background()
	w, err := OpenWorkdir(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(w.Path("a.txt"), []byte("hello"), 0o644))

	ok, err := w.Exists(ctx, "a.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = w.Exists(ctx, "missing.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = w.Exists(ctx, "../a.txt")
	assert.ErrorIs(t, err, pipeline.ErrIO)

	meta, err := w.GetMetadata(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(5), meta.Size)
	assert.False(t, meta.IsDir)

	rc, err := w.GetReader(ctx, "a.txt")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = w.GetReader(ctx, "missing.txt")
	assert.ErrorIs(t, err, pipeline.ErrIO)
}
