// Package archive detects and extracts dataset archives into a working
// directory.
package archive

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tendant/deepmath-pipeline/pkg/pipeline"
)

// Format is a supported archive layout.
type Format int

const (
	FormatUnknown Format = iota
	FormatTar
	FormatGzip
	FormatTarGzip
	FormatZstd
	FormatTarZstd
)

func (f Format) String() string {
	switch f {
	case FormatTar:
		return "tar"
	case FormatGzip:
		return "gzip"
	case FormatTarGzip:
		return "tar+gzip"
	case FormatZstd:
		return "zstd"
	case FormatTarZstd:
		return "tar+zstd"
	default:
		return "unknown"
	}
}

// Compression is the outer stream encoding of an archive.
type Compression int

const (
	CompressionUnknown Compression = iota
	CompressionNone
	CompressionGzip
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// HeaderSize is how many leading bytes signature detection looks at.
const HeaderSize = 512

var (
	magicGzip = []byte{0x1f, 0x8b}
	magicZstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicTar  = []byte("ustar")
)

const tarMagicOffset = 257

// Claim is what a filename's extension asserts about its content.
// Unsupported claims name an archive format that is never extracted.
type Claim struct {
	Extension   string
	Compression Compression
	Tar         bool
	Unsupported bool
}

var claims = []Claim{
	{Extension: ".tar.gz", Compression: CompressionGzip, Tar: true},
	{Extension: ".tgz", Compression: CompressionGzip, Tar: true},
	{Extension: ".tar.zst", Compression: CompressionZstd, Tar: true},
	{Extension: ".tzst", Compression: CompressionZstd, Tar: true},
	{Extension: ".gz", Compression: CompressionGzip},
	{Extension: ".zst", Compression: CompressionZstd},
	{Extension: ".tar", Compression: CompressionNone, Tar: true},
}

var unsupportedExtensions = []string{
	".zip", ".jar", ".7z", ".rar",
	".bz2", ".tbz", ".tbz2",
	".xz", ".txz", ".lzma", ".tlz", ".lz", ".lz4", ".br", ".z",
}

// ClaimFor returns the claim made by name's extension, if any. Archive
// extensions outside the supported set, including any ".tar.<ext>", yield an
// Unsupported claim. Only names without an archive-like extension return false.
func ClaimFor(name string) (Claim, bool) {
	lower := strings.ToLower(filepath.Base(name))
	for _, c := range claims {
		if strings.HasSuffix(lower, c.Extension) {
			return c, true
		}
	}
	for _, ext := range unsupportedExtensions {
		if strings.HasSuffix(lower, ext) && len(lower) > len(ext) {
			return Claim{Extension: ext, Compression: CompressionUnknown, Unsupported: true}, true
		}
	}
	if ext := filepath.Ext(lower); ext != "" && strings.HasSuffix(strings.TrimSuffix(lower, ext), ".tar") {
		return Claim{Extension: ".tar" + ext, Compression: CompressionUnknown, Tar: true, Unsupported: true}, true
	}
	return Claim{}, false
}

// IsTar reports whether block starts with a ustar/GNU tar header.
func IsTar(block []byte) bool {
	return len(block) >= tarMagicOffset+len(magicTar) &&
		bytes.Equal(block[tarMagicOffset:tarMagicOffset+len(magicTar)], magicTar)
}

// Sniff identifies the outer encoding from the leading bytes of a file.
func Sniff(header []byte) Compression {
	switch {
	case bytes.HasPrefix(header, magicGzip):
		return CompressionGzip
	case bytes.HasPrefix(header, magicZstd):
		return CompressionZstd
	case IsTar(header):
		return CompressionNone
	default:
		return CompressionUnknown
	}
}

// DetectCompression cross-checks the extension of name against the
// signature in header. The extension alone is never trusted: a known
// extension that disagrees with the signature is rejected, as is any
// signature outside the supported set.
func DetectCompression(name string, header []byte) (Compression, Claim, error) {
	sig := Sniff(header)
	if sig == CompressionUnknown {
		return sig, Claim{}, pipeline.NewError("detect", pipeline.ErrUnsupportedFormat,
			fmt.Errorf("unrecognized signature % x", head(header, 8))).WithPath(name)
	}

	claim, ok := ClaimFor(name)
	if ok && claim.Unsupported {
		return sig, claim, pipeline.NewError("detect", pipeline.ErrUnsupportedFormat,
			fmt.Errorf("extension %s names an unsupported format but content is %s", claim.Extension, sig)).WithPath(name)
	}
	if ok && claim.Compression != sig {
		return sig, claim, pipeline.NewError("detect", pipeline.ErrUnsupportedFormat,
			fmt.Errorf("extension %s claims %s but content is %s", claim.Extension, claim.Compression, sig)).WithPath(name)
	}
	return sig, claim, nil
}

// Resolve combines the outer encoding with whether the decoded payload is
// a tar stream. A claim of tar that the payload does not honour is rejected.
func Resolve(name string, c Compression, claim Claim, payloadIsTar bool) (Format, error) {
	if claim.Tar && !payloadIsTar {
		return FormatUnknown, pipeline.NewError("detect", pipeline.ErrUnsupportedFormat,
			fmt.Errorf("extension %s claims a tar payload but content is not tar", claim.Extension)).WithPath(name)
	}

	switch c {
	case CompressionNone:
		return FormatTar, nil
	case CompressionGzip:
		if payloadIsTar {
			return FormatTarGzip, nil
		}
		return FormatGzip, nil
	case CompressionZstd:
		if payloadIsTar {
			return FormatTarZstd, nil
		}
		return FormatZstd, nil
	}
	return FormatUnknown, pipeline.NewError("detect", pipeline.ErrUnsupportedFormat, fmt.Errorf("unsupported encoding %s", c)).WithPath(name)
}

// plainOutputName is the file a single compressed stream decodes into.
func plainOutputName(archiveName string, c Compression) string {
	base := filepath.Base(archiveName)
	lower := strings.ToLower(base)
	ext := ".gz"
	if c == CompressionZstd {
		ext = ".zst"
	}
	if strings.HasSuffix(lower, ext) && len(base) > len(ext) {
		return base[:len(base)-len(ext)]
	}
	return base + ".out"
}

func head(b []byte, n int) []byte {
	if len(b) < n {
		return b
	}
	return b[:n]
}
