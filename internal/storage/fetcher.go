package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"

	"github.com/tendant/deepmath-pipeline/internal/dataset"
	"github.com/tendant/deepmath-pipeline/pkg/pipeline"
)

const (
	defaultProgressEvery = 8 << 20

	// maxPresize bounds the buffer reserved up front from a response's
	// Content-Length, which is untrusted.
	maxPresize = 64 << 20
)

// HTTPFetcher downloads dataset archives over HTTP(S) into memory.
// It never touches the filesystem.
type HTTPFetcher struct {
	httpClient    *http.Client
	logger        *slog.Logger
	maxAttempts   int
	timeout       time.Duration
	retryInterval time.Duration
	strictSize    bool
	progressEvery int64
}

// FetcherOption configures an HTTPFetcher.
type FetcherOption func(*HTTPFetcher)

// WithHTTPClient sets the HTTP client used for transfers.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *HTTPFetcher) {
		if c != nil {
			f.httpClient = c
		}
	}
}

// WithFetchLogger sets the logger for progress and retry events.
func WithFetchLogger(l *slog.Logger) FetcherOption {
	return func(f *HTTPFetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithMaxAttempts bounds the number of attempts, including the first one.
// Values below 1 are treated as 1.
func WithMaxAttempts(n int) FetcherOption {
	return func(f *HTTPFetcher) {
		if n < 1 {
			n = 1
		}
		f.maxAttempts = n
	}
}

// WithAttemptTimeout bounds each attempt. Zero disables the per-attempt limit;
// the caller's context deadline always applies.
func WithAttemptTimeout(d time.Duration) FetcherOption {
	return func(f *HTTPFetcher) {
		f.timeout = d
	}
}

// WithRetryInterval sets the initial backoff between attempts.
func WithRetryInterval(d time.Duration) FetcherOption {
	return func(f *HTTPFetcher) {
		if d > 0 {
			f.retryInterval = d
		}
	}
}

// WithStrictSize makes a mismatch with the expected size an integrity error
// instead of a warning.
func WithStrictSize(strict bool) FetcherOption {
	return func(f *HTTPFetcher) {
		f.strictSize = strict
	}
}

// WithProgressEvery sets how many bytes pass between progress log lines.
func WithProgressEvery(n int64) FetcherOption {
	return func(f *HTTPFetcher) {
		if n > 0 {
			f.progressEvery = n
		}
	}
}

// NewHTTPFetcher creates a new HTTP-based dataset fetcher
func NewHTTPFetcher(opts ...FetcherOption) *HTTPFetcher {
	f := &HTTPFetcher{
		httpClient:    &http.Client{},
		logger:        slog.Default(),
		maxAttempts:   1,
		retryInterval: 500 * time.Millisecond,
		progressEvery: defaultProgressEvery,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads desc.URL. Transport failures and deadlines surface as
// pipeline.ErrNetwork, non-2xx responses as pipeline.ErrRemote. Nothing is
// returned unless the whole body was received.
func (f *HTTPFetcher) Fetch(ctx context.Context, desc dataset.Descriptor) (*FetchedContent, error) {
	if desc.URL == "" {
		return nil, pipeline.NewError("fetch", pipeline.ErrConfig, errors.New("empty source url"))
	}

	var (
		content *FetchedContent
		attempt int
	)

	operation := func() error {
		attempt++
		c, err := f.fetchOnce(ctx, desc)
		if err != nil {
			if ctx.Err() != nil || !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		content = c
		return nil
	}

	notify := func(err error, wait time.Duration) {
		f.logger.Warn("fetch attempt failed, retrying",
			"url", desc.URL,
			"attempt", attempt,
			"max_attempts", f.maxAttempts,
			"wait", wait,
			"error", err,
		)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = f.retryInterval
	policy.MaxElapsedTime = 0

	err := backoff.RetryNotify(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(f.maxAttempts-1)), ctx),
		notify,
	)
	if err != nil {
		var pe *pipeline.Error
		if errors.As(err, &pe) {
			return nil, err
		}
		// Context ended while waiting between attempts
		return nil, pipeline.NewError("fetch", pipeline.ErrNetwork, err).WithPath(desc.URL)
	}

	if desc.ExpectedSize > 0 && uint64(content.Len()) != desc.ExpectedSize {
		if f.strictSize {
			return nil, pipeline.NewError("fetch", pipeline.ErrIntegrity,
				fmt.Errorf("received %d bytes, expected %d", content.Len(), desc.ExpectedSize)).WithPath(desc.URL)
		}
		f.logger.Warn("fetched size differs from expected size",
			"url", desc.URL,
			"bytes", content.Len(),
			"expected", desc.ExpectedSize,
		)
	}

	return content, nil
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, desc dataset.Descriptor) (*FetchedContent, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.URL, nil)
	if err != nil {
		return nil, pipeline.NewError("fetch", pipeline.ErrConfig, fmt.Errorf("failed to create request: %w", err)).WithPath(desc.URL)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, pipeline.NewError("fetch", pipeline.ErrNetwork, err).WithPath(desc.URL)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little so the connection can be reused
		_, _ = io.CopyN(io.Discard, resp.Body, 4<<10)
		return nil, pipeline.NewError("fetch", pipeline.ErrRemote,
			fmt.Errorf("download failed with status %d", resp.StatusCode)).WithPath(desc.URL).WithStatus(resp.StatusCode)
	}

	f.logger.Info("download started",
		"url", desc.URL,
		"content_length", resp.ContentLength,
	)

	var buf bytes.Buffer
	if n := presize(resp.ContentLength, desc.ExpectedSize); n > 0 {
		buf.Grow(n)
	}

	pr := &progressReader{
		reader: resp.Body,
		total:  resp.ContentLength,
		every:  f.progressEvery,
		logger: f.logger,
		url:    desc.URL,
	}
	n, err := io.Copy(&buf, pr)
	if err != nil {
		return nil, pipeline.NewError("fetch", pipeline.ErrNetwork, fmt.Errorf("transfer interrupted after %d bytes: %w", n, err)).WithPath(desc.URL)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return nil, pipeline.NewError("fetch", pipeline.ErrNetwork,
			fmt.Errorf("truncated body: got %d of %d bytes", n, resp.ContentLength)).WithPath(desc.URL)
	}

	f.logger.Info("download finished",
		"url", desc.URL,
		"bytes", n,
		"size", humanize.Bytes(uint64(n)),
	)

	return NewFetchedContent(buf.Bytes(), resp.Header.Get("Content-Type"), desc.URL), nil
}

// presize is how many bytes to reserve for a body of the advertised length.
// It never exceeds the expected size (when known) or maxPresize.
func presize(contentLength int64, expected uint64) int {
	if contentLength <= 0 {
		return 0
	}
	limit := int64(maxPresize)
	if expected > 0 && expected < uint64(limit) {
		limit = int64(expected)
	}
	return int(min(contentLength, limit))
}

// retryable reports whether a failed attempt may be repeated.
func retryable(err error) bool {
	if errors.Is(err, pipeline.ErrNetwork) {
		return true
	}
	var pe *pipeline.Error
	if errors.As(err, &pe) && errors.Is(err, pipeline.ErrRemote) {
		return pe.StatusCode >= 500 || pe.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// progressReader wraps an io.Reader to log transfer progress
type progressReader struct {
	reader    io.Reader
	total     int64
	bytesRead int64
	lastLog   int64
	every     int64
	logger    *slog.Logger
	url       string
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.bytesRead += int64(n)
		if pr.bytesRead-pr.lastLog >= pr.every {
			pr.lastLog = pr.bytesRead
			attrs := []any{"url", pr.url, "bytes", pr.bytesRead, "size", humanize.Bytes(uint64(pr.bytesRead))}
			if pr.total > 0 {
				attrs = append(attrs, "total", humanize.Bytes(uint64(pr.total)))
			}
			pr.logger.Info("download progress", attrs...)
		}
	}
	return n, err
}
