package archive

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/tendant/deepmath-pipeline/internal/storage"
	"github.com/tendant/deepmath-pipeline/pkg/pipeline"
)

// Result lists what an extraction wrote into the working directory.
type Result struct {
	Format Format
	Paths  []string // absolute paths of extracted files
	Dirs   []string // absolute paths of directories created for entries
	Bytes  int64
}

// Extractor unpacks persisted archives into a working directory.
type Extractor struct {
	logger *slog.Logger
}

// NewExtractor creates a new archive extractor
func NewExtractor(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{logger: logger}
}

// Extract determines the format of archivePath (a file inside workdir) and
// extracts every entry into workdir. Entries that would land outside the
// working directory abort the extraction with pipeline.ErrExtraction.
// Entries extracted before a failure are left in place.
func (e *Extractor) Extract(ctx context.Context, archivePath string, workdir *storage.Workdir) (*Result, error) {
	name := archivePath
	if filepath.IsAbs(archivePath) {
		rel, err := filepath.Rel(workdir.Root(), archivePath)
		if err != nil {
			return nil, pipeline.NewError("extract", pipeline.ErrExtraction, err).WithPath(archivePath)
		}
		name = rel
	}
	archiveRel, err := workdir.Resolve(name)
	if err != nil {
		return nil, pipeline.NewError("extract", pipeline.ErrExtraction, fmt.Errorf("archive outside working directory: %w", err)).WithPath(archivePath)
	}

	f, err := workdir.FS().Open(archiveRel)
	if err != nil {
		return nil, pipeline.NewError("extract", pipeline.ErrExtraction, err).WithPath(archivePath)
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 64<<10)
	header, err := br.Peek(HeaderSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, pipeline.NewError("extract", pipeline.ErrExtraction, err).WithPath(archivePath)
	}

	compression, claim, err := DetectCompression(archiveRel, header)
	if err != nil {
		return nil, err
	}

	var payload io.Reader
	switch compression {
	case CompressionGzip:
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, pipeline.NewError("extract", pipeline.ErrExtraction, fmt.Errorf("corrupt gzip stream: %w", err)).WithPath(archivePath)
		}
		defer zr.Close()
		payload = zr
	case CompressionZstd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, pipeline.NewError("extract", pipeline.ErrExtraction, fmt.Errorf("corrupt zstd stream: %w", err)).WithPath(archivePath)
		}
		defer zr.Close()
		payload = zr
	default:
		payload = br
	}

	pr := bufio.NewReaderSize(payload, 64<<10)
	block, err := pr.Peek(HeaderSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, pipeline.NewError("extract", pipeline.ErrExtraction, fmt.Errorf("corrupt %s stream: %w", compression, err)).WithPath(archivePath)
	}

	format, err := Resolve(archiveRel, compression, claim, IsTar(block))
	if err != nil {
		return nil, err
	}

	e.logger.Info("decompress started", "path", archivePath, "format", format.String())

	res := &Result{Format: format}
	switch format {
	case FormatTar, FormatTarGzip, FormatTarZstd:
		err = e.extractTar(ctx, pr, workdir, archiveRel, res)
	default:
		err = e.extractPlain(ctx, pr, workdir, plainOutputName(archiveRel, compression), res)
	}
	if err != nil {
		e.logger.Error("decompress failed", "path", archivePath, "files", len(res.Paths), "error", err)
		return res, err
	}

	e.logger.Info("decompress finished", "path", archivePath, "files", len(res.Paths), "bytes", res.Bytes)
	return res, nil
}

func (e *Extractor) extractTar(ctx context.Context, r io.Reader, workdir *storage.Workdir, archiveRel string, res *Result) error {
	tr := tar.NewReader(r)
	fs := workdir.FS()

	for {
		if err := ctx.Err(); err != nil {
			return pipeline.NewError("extract", pipeline.ErrExtraction, err)
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		// Insecure names still come with a header; the guard below rejects them
		if err != nil && !errors.Is(err, tar.ErrInsecurePath) {
			return pipeline.NewError("extract", pipeline.ErrExtraction, fmt.Errorf("corrupt tar stream: %w", err))
		}

		rel, err := workdir.Resolve(hdr.Name)
		if err != nil {
			return pipeline.NewError("extract", pipeline.ErrExtraction, fmt.Errorf("rejected entry: %w", err)).WithPath(hdr.Name)
		}
		if rel == archiveRel {
			return pipeline.NewError("extract", pipeline.ErrExtraction, errors.New("entry would overwrite the archive")).WithPath(hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if rel == "." {
				continue
			}
			if err := fs.MkdirAll(rel, 0o755); err != nil {
				return pipeline.NewError("extract", pipeline.ErrExtraction, err).WithPath(hdr.Name)
			}
			res.Dirs = append(res.Dirs, workdir.Path(rel))

		case tar.TypeReg:
			if dir := filepath.Dir(rel); dir != "." {
				if err := fs.MkdirAll(dir, 0o755); err != nil {
					return pipeline.NewError("extract", pipeline.ErrExtraction, err).WithPath(hdr.Name)
				}
			}
			if err := storage.WriteFileAtomic(ctx, workdir, rel, tr, hdr.Size); err != nil {
				return pipeline.NewError("extract", pipeline.ErrExtraction, err).WithPath(hdr.Name)
			}
			res.Paths = append(res.Paths, workdir.Path(rel))
			res.Bytes += hdr.Size

		case tar.TypeXGlobalHeader:
			// PAX global headers carry no file data

		default:
			e.logger.Warn("skipping unsupported tar entry",
				"entry", hdr.Name,
				"type", string(hdr.Typeflag),
			)
		}
	}
}

func (e *Extractor) extractPlain(ctx context.Context, r io.Reader, workdir *storage.Workdir, outName string, res *Result) error {
	rel, err := workdir.Resolve(outName)
	if err != nil {
		return pipeline.NewError("extract", pipeline.ErrExtraction, err).WithPath(outName)
	}

	cr := &countingReader{reader: r}
	if err := storage.WriteFileAtomic(ctx, workdir, rel, cr, -1); err != nil {
		return pipeline.NewError("extract", pipeline.ErrExtraction, err).WithPath(outName)
	}

	res.Paths = append(res.Paths, workdir.Path(rel))
	res.Bytes += cr.n
	return nil
}

type countingReader struct {
	reader io.Reader
	n      int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.reader.Read(p)
	c.n += int64(n)
	return n, err
}
