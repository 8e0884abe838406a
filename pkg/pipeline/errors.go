package pipeline

import (
	"errors"
	"fmt"
)

// Error kinds. Use errors.Is to classify a failure returned by any stage.
var (
	// ErrConfig indicates a bad mode or dataset metadata
	ErrConfig = errors.New("config error")

	// ErrIO indicates a filesystem operation failed
	ErrIO = errors.New("io error")

	// ErrNetwork indicates the transfer failed before a response was fully received
	ErrNetwork = errors.New("network error")

	// ErrRemote indicates the remote answered with a non-success status
	ErrRemote = errors.New("remote error")

	// ErrIntegrity indicates a size mismatch between fetched and persisted content
	ErrIntegrity = errors.New("integrity error")

	// ErrUnsupportedFormat indicates the archive signature matches no supported format
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrExtraction indicates a corrupt archive, a rejected entry or an I/O failure mid-extraction
	ErrExtraction = errors.New("extraction error")
)

// Error is a stage error carrying the operation that failed, its kind and the cause.
type Error struct {
	// Op is the operation that failed (e.g. "fetch", "write", "extract")
	Op string

	// Kind is one of the Err* sentinels above
	Kind error

	// Path is the file, directory or URL involved (if applicable)
	Path string

	// StatusCode is the HTTP status for remote errors
	StatusCode int

	// Err is the underlying cause
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var msg string
	if e.Path != "" {
		msg = fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Kind)
	} else {
		msg = fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// WithPath adds path context to an existing error.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithStatus adds an HTTP status code to an existing error.
func (e *Error) WithStatus(code int) *Error {
	e.StatusCode = code
	return e
}

// NewError creates a new Error of the given kind.
func NewError(op string, kind error, err error) *Error {
	return &Error{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// Stage names a pipeline stage.
type Stage string

// Pipeline stages in execution order
const (
	StageInit    Stage = "init"
	StageResolve Stage = "resolve"
	StageFetch   Stage = "fetch"
	StageWrite   Stage = "write"
	StageExtract Stage = "extract"
	StagePublish Stage = "publish"
)

// RunError is the single pipeline-level failure surfaced by a prepare run.
// It carries the stage that failed and the original stage error.
type RunError struct {
	RunID string
	Stage Stage
	Err   error
}

// Error implements the error interface.
func (e *RunError) Error() string {
	return fmt.Sprintf("prepare run %s failed at %s: %v", e.RunID, e.Stage, e.Err)
}

// Unwrap returns the stage error.
func (e *RunError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind sentinel of err, or nil when err carries none.
func KindOf(err error) error {
	for _, kind := range []error{ErrConfig, ErrIO, ErrNetwork, ErrRemote, ErrIntegrity, ErrUnsupportedFormat, ErrExtraction} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
