// Package dataset resolves which dataset archive a prepare run fetches.
package dataset

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/tendant/deepmath-pipeline/pkg/pipeline"
)

// Mode selects the dataset variant.
type Mode int

const (
	// Debug selects the small fixture dataset
	Debug Mode = iota + 1

	// Standard selects the full production dataset
	Standard
)

// String returns the lowercase mode name.
func (m Mode) String() string {
	switch m {
	case Debug:
		return pipeline.ModeDebug
	case Standard:
		return pipeline.ModeStandard
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses "debug" or "standard" (case-insensitive).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case pipeline.ModeDebug:
		return Debug, nil
	case pipeline.ModeStandard:
		return Standard, nil
	default:
		return 0, pipeline.NewError("parse mode", pipeline.ErrConfig, fmt.Errorf("unrecognized mode %q", s))
	}
}

// ModeFromDebugFlag maps the CLI debug switch onto a Mode.
func ModeFromDebugFlag(debug bool) Mode {
	if debug {
		return Debug
	}
	return Standard
}

// Default dataset sources
const (
	DefaultStandardURL = "https://dl.fbaipublicfiles.com/SymbolicMathematics/data/prim_fwd.tar.gz"
	DefaultDebugURL    = "https://dl.fbaipublicfiles.com/SymbolicMathematics/data/prim_ibp.tar.gz"
)

// Descriptor identifies what a run fetches. It is resolved once per run and
// never modified afterwards.
type Descriptor struct {
	Filename     string
	ExpectedSize uint64 // advisory, 0 when unknown
	Mode         Mode
	URL          string
}

// Source is one row of the resolver table.
type Source struct {
	URL          string
	Filename     string // optional, defaults to the last URL path segment
	ExpectedSize uint64
}

// Resolver maps a Mode to its Descriptor without touching the network.
type Resolver struct {
	sources map[Mode]Source
}

// NewResolver creates a resolver over the given per-mode sources. Modes
// missing from sources fall back to the built-in defaults.
func NewResolver(sources map[Mode]Source) *Resolver {
	table := map[Mode]Source{
		Debug:    {URL: DefaultDebugURL},
		Standard: {URL: DefaultStandardURL},
	}
	for mode, src := range sources {
		if src.URL == "" {
			src.URL = table[mode].URL
		}
		table[mode] = src
	}
	return &Resolver{sources: table}
}

// Resolve returns the Descriptor for mode.
func (r *Resolver) Resolve(mode Mode) (Descriptor, error) {
	src, ok := r.sources[mode]
	if !ok || (mode != Debug && mode != Standard) {
		return Descriptor{}, pipeline.NewError("resolve", pipeline.ErrConfig, fmt.Errorf("unrecognized mode %s", mode))
	}

	u, err := url.Parse(src.URL)
	if err != nil {
		return Descriptor{}, pipeline.NewError("resolve", pipeline.ErrConfig, fmt.Errorf("invalid source url: %w", err)).WithPath(src.URL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Descriptor{}, pipeline.NewError("resolve", pipeline.ErrConfig, fmt.Errorf("unsupported scheme %q", u.Scheme)).WithPath(src.URL)
	}

	filename := src.Filename
	if filename == "" {
		filename = path.Base(u.Path)
	}
	if err := ValidateFilename(filename); err != nil {
		return Descriptor{}, pipeline.NewError("resolve", pipeline.ErrConfig, err).WithPath(src.URL)
	}

	return Descriptor{
		Filename:     filename,
		ExpectedSize: src.ExpectedSize,
		Mode:         mode,
		URL:          u.String(),
	}, nil
}

// ValidateFilename checks that name is a single, non-special path component.
func ValidateFilename(name string) error {
	switch {
	case name == "", name == ".", name == "..", name == "/":
		return fmt.Errorf("invalid dataset filename %q", name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("dataset filename %q must be a single path component", name)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("dataset filename contains NUL")
	}
	return nil
}
