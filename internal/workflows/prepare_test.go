package workflows

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/deepmath-pipeline/internal/dataset"
	"github.com/tendant/deepmath-pipeline/internal/metrics"
	"github.com/tendant/deepmath-pipeline/internal/storage"
	"github.com/tendant/deepmath-pipeline/pkg/pipeline"
)

type tarEntry struct {
	name string
	body string
}

func tarGz(t *testing.T, entries ...tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	for _, e := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     e.name,
			Mode:     0o644,
			Size:     int64(len(e.body)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func newRecordingLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func hasLine(out string, parts ...string) bool {
	for _, line := range strings.Split(out, "\n") {
		matched := true
		for _, p := range parts {
			if !strings.Contains(line, p) {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

func newWorkflow(t *testing.T, baseDir string, sources map[dataset.Mode]dataset.Source, opts ...PrepareOption) *PrepareWorkflow {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fetcher := storage.NewHTTPFetcher(storage.WithFetchLogger(logger))
	return NewPrepareWorkflow(baseDir, dataset.NewResolver(sources), fetcher, append([]PrepareOption{WithLogger(logger)}, opts...)...)
}

func TestPrepareDebugSuccess(t *testing.T) {
	archive := tarGz(t, tarEntry{name: "equations.csv", body: "sub Y' x,x**2/2\n"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	base := t.TempDir()
	m := metrics.New(prometheus.NewRegistry())
	wf := newWorkflow(t, base, map[dataset.Mode]dataset.Source{
		dataset.Debug: {URL: srv.URL + "/prim_ibp.tar.gz", ExpectedSize: uint64(len(archive))},
	}, WithMetrics(m))

	res, err := wf.Run(context.Background(), dataset.Debug)
	require.NoError(t, err)

	workdir := filepath.Join(base, "debug")
	assert.Equal(t, "debug", res.Mode)
	assert.Equal(t, filepath.Join(workdir, "prim_ibp.tar.gz"), res.ArchivePath)
	assert.Equal(t, int64(len(archive)), res.ArchiveBytes)
	assert.Equal(t, "tar+gzip", res.Format)
	assert.Equal(t, []string{filepath.Join(workdir, "equations.csv")}, res.Files)

	data, err := os.ReadFile(filepath.Join(workdir, "equations.csv"))
	require.NoError(t, err)
	assert.Equal(t, "sub Y' x,x**2/2\n", string(data))

	info, err := os.Stat(res.ArchivePath)
	require.NoError(t, err)
	assert.Equal(t, int64(len(archive)), info.Size())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `deepmath_pipeline_runs_total{mode="debug",outcome="success"} 1`)
}

func TestPrepareRemoteFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	logger, logs := newRecordingLogger()
	base := t.TempDir()
	wf := NewPrepareWorkflow(base,
		dataset.NewResolver(map[dataset.Mode]dataset.Source{dataset.Standard: {URL: srv.URL + "/prim_fwd.tar.gz"}}),
		storage.NewHTTPFetcher(storage.WithFetchLogger(logger)),
		WithLogger(logger),
	)

	res, err := wf.Run(context.Background(), dataset.Standard)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, pipeline.ErrRemote)

	var runErr *pipeline.RunError
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, pipeline.StageFetch, runErr.Stage)

	entries, err := os.ReadDir(filepath.Join(base, "standard"))
	require.NoError(t, err)
	assert.Empty(t, entries, "no file may be created on a failed fetch")

	out := logs.String()
	assert.Contains(t, out, "prepare run failed")
	assert.Contains(t, out, "stage=fetch")
}

func TestPrepareRejectsTraversal(t *testing.T) {
	archive := tarGz(t,
		tarEntry{name: "../../etc/passwd", body: "root:x:0:0"},
		tarEntry{name: "equations.csv", body: "ok"},
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	base := filepath.Join(t.TempDir(), "x", "y")
	wf := newWorkflow(t, base, map[dataset.Mode]dataset.Source{
		dataset.Debug: {URL: srv.URL + "/prim_ibp.tar.gz"},
	})

	_, err := wf.Run(context.Background(), dataset.Debug)
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrExtraction)

	var runErr *pipeline.RunError
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, pipeline.StageExtract, runErr.Stage)

	_, statErr := os.Stat(filepath.Join(base, "..", "..", "etc", "passwd"))
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(filepath.Join(base, "etc", "passwd"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestPrepareLogsEveryStage(t *testing.T) {
	archive := tarGz(t, tarEntry{name: "equations.csv", body: "a"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	logger, logs := newRecordingLogger()
	wf := NewPrepareWorkflow(t.TempDir(),
		dataset.NewResolver(map[dataset.Mode]dataset.Source{dataset.Debug: {URL: srv.URL + "/d.tar.gz"}}),
		storage.NewHTTPFetcher(storage.WithFetchLogger(logger)),
		WithLogger(logger),
	)
	_, err := wf.Run(context.Background(), dataset.Debug)
	require.NoError(t, err)

	out := logs.String()
	for _, stage := range []string{"init", "resolve", "fetch", "write", "extract"} {
		assert.True(t, hasLine(out, `msg="stage started"`, "stage="+stage), "missing start of %s", stage)
		assert.True(t, hasLine(out, `msg="stage finished"`, "stage="+stage), "missing finish of %s", stage)
	}
	assert.Contains(t, out, "download started")
	assert.Contains(t, out, "decompress finished")
	assert.NotContains(t, out, "stage=publish")
}

func TestPrepareUnknownMode(t *testing.T) {
	wf := newWorkflow(t, t.TempDir(), nil)

	_, err := wf.Run(context.Background(), dataset.Mode(42))
	assert.ErrorIs(t, err, pipeline.ErrConfig)

	var runErr *pipeline.RunError
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, pipeline.StageInit, runErr.Stage)
}

func TestPrepareCancelledBeforeWrite(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("never persisted"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	base := t.TempDir()
	wf := newWorkflow(t, base, map[dataset.Mode]dataset.Source{dataset.Debug: {URL: srv.URL + "/d.tar.gz"}})
	_, err := wf.Run(ctx, dataset.Debug)
	assert.ErrorIs(t, err, pipeline.ErrNetwork)

	entries, err := os.ReadDir(filepath.Join(base, "debug"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type fakePublisher struct {
	archive string
	files   []string
	err     error
}

func (f *fakePublisher) Publish(ctx context.Context, workdir *storage.Workdir, mode string, archivePath string, files []string) (*storage.PublishResult, error) {
	f.archive = archivePath
	f.files = files
	if f.err != nil {
		return nil, f.err
	}
	return &storage.PublishResult{ContentID: "content-1"}, nil
}

func TestPreparePublish(t *testing.T) {
	archive := tarGz(t, tarEntry{name: "equations.csv", body: "a"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	}))
	defer srv.Close()
	sources := map[dataset.Mode]dataset.Source{dataset.Debug: {URL: srv.URL + "/d.tar.gz"}}

	t.Run("success", func(t *testing.T) {
		pub := &fakePublisher{}
		res, err := newWorkflow(t, t.TempDir(), sources, WithPublisher(pub)).Run(context.Background(), dataset.Debug)
		require.NoError(t, err)
		assert.Equal(t, "content-1", res.Published.ContentID)
		assert.Equal(t, res.ArchivePath, pub.archive)
		assert.Equal(t, res.Files, pub.files)
	})

	t.Run("failure", func(t *testing.T) {
		pub := &fakePublisher{err: pipeline.NewError("publish", pipeline.ErrRemote, errors.New("unavailable"))}
		_, err := newWorkflow(t, t.TempDir(), sources, WithPublisher(pub)).Run(context.Background(), dataset.Debug)

		var runErr *pipeline.RunError
		require.True(t, errors.As(err, &runErr))
		assert.Equal(t, pipeline.StagePublish, runErr.Stage)
		assert.ErrorIs(t, err, pipeline.ErrRemote)
	})
}

func TestRunnerExecute(t *testing.T) {
	archive := tarGz(t, tarEntry{name: "equations.csv", body: "a"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	runner := NewWorkflowRunner(nil)
	runner.Register(pipeline.JobPrepare, newWorkflow(t, t.TempDir(), map[dataset.Mode]dataset.Source{
		dataset.Debug: {URL: srv.URL + "/d.tar.gz"},
	}))

	t.Run("debug", func(t *testing.T) {
		result, err := runner.Run(&WorkflowContext{
			Ctx:     context.Background(),
			Request: pipeline.PrepareRequest{Mode: "debug"},
			RunID:   "run-1",
		})
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, 1, result.Outputs["files"])
		assert.Equal(t, "tar+gzip", result.Outputs["format"])
	})

	t.Run("bad mode", func(t *testing.T) {
		result, err := runner.Run(&WorkflowContext{
			Ctx:     context.Background(),
			Request: pipeline.PrepareRequest{Mode: "turbo"},
			RunID:   "run-2",
		})
		assert.ErrorIs(t, err, pipeline.ErrConfig)
		assert.False(t, result.Success)
		assert.True(t, strings.Contains(result.Error, "run-2"))
	})

	t.Run("unknown job", func(t *testing.T) {
		_, err := runner.Run(&WorkflowContext{
			Ctx:     context.Background(),
			Request: pipeline.PrepareRequest{Job: "train", Mode: "debug"},
		})
		assert.ErrorIs(t, err, ErrWorkflowNotFound)
	})

	t.Run("async needs runtime", func(t *testing.T) {
		_, err := runner.RunAsync(context.Background(), pipeline.PrepareRequest{Mode: "debug"})
		assert.ErrorIs(t, err, ErrRuntimeRequired)
		_, err = runner.GetStatus(context.Background(), "run-1")
		assert.ErrorIs(t, err, ErrRuntimeRequired)
	})
}

func TestStateFromDBOS(t *testing.T) {
	tests := map[string]string{
		"ENQUEUED":         "pending",
		"PENDING":          "running",
		"SUCCESS":          "succeeded",
		"ERROR":            "failed",
		"RETRIES_EXCEEDED": "failed",
		"CANCELLED":        "cancelled",
		"SOMETHING_ELSE":   "something_else",
	}
	for in, want := range tests {
		assert.Equal(t, want, stateFromDBOS(in), in)
	}
}
