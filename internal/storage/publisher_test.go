package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-content/pkg/simplecontent"
	"github.com/tendant/simple-content/pkg/simplecontent/presets"

	"github.com/tendant/deepmath-pipeline/pkg/pipeline"
)

func TestPublish(t *testing.T) {
	svc, cleanup, err := presets.NewDevelopment(presets.WithDevStorage(t.TempDir()))
	require.NoError(t, err)
	defer cleanup()

	w, err := OpenWorkdir(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(w.Path("prim_ibp.tar.gz"), []byte("archive"), 0o644))
	require.NoError(t, os.MkdirAll(w.Path("data"), 0o755))
	require.NoError(t, os.WriteFile(w.Path("equations.csv"), []byte("x,1\n"), 0o644))
	require.NoError(t, os.WriteFile(w.Path(filepath.Join("data", "train.txt")), []byte("train"), 0o644))

	p := NewPublisher(svc, uuid.New(), uuid.New(), discardLogger())
	res, err := p.Publish(context.Background(), w, "debug", w.Path("prim_ibp.tar.gz"), []string{
		w.Path("equations.csv"),
		w.Path(filepath.Join("data", "train.txt")),
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.ContentID)
	assert.Len(t, res.DerivedIDs, 2)
	assert.Contains(t, res.DerivedIDs, "data/train.txt")

	parentID := uuid.MustParse(res.ContentID)
	derived, err := svc.ListDerivedContent(context.Background(),
		simplecontent.WithParentID(parentID),
		simplecontent.WithDerivationType(pipeline.DerivationTypeExtracted),
	)
	require.NoError(t, err)
	assert.Len(t, derived, 2)
}

func TestPublishRejectsOutsidePaths(t *testing.T) {
	svc, cleanup, err := presets.NewDevelopment(presets.WithDevStorage(t.TempDir()))
	require.NoError(t, err)
	defer cleanup()

	w, err := OpenWorkdir(t.TempDir())
	require.NoError(t, err)
	outside := filepath.Join(t.TempDir(), "x.tar.gz")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o644))

	_, err = NewPublisher(svc, uuid.New(), uuid.New(), discardLogger()).
		Publish(context.Background(), w, "debug", outside, nil)
	assert.ErrorIs(t, err, pipeline.ErrIO)
}

func TestDocumentType(t *testing.T) {
	assert.Equal(t, "application/gzip", documentType("prim_fwd.tar.gz"))
	assert.Equal(t, "application/zstd", documentType("x.tzst"))
	assert.Equal(t, "application/x-tar", documentType("x.tar"))
	assert.Equal(t, "application/octet-stream", documentType("blob"))
}
