// Package compressors wraps export streams in a compression codec.
package compressors

import (
	"errors"
	"fmt"
	"io"
)

// ErrUnsupportedCompression is returned for an unknown codec name
var ErrUnsupportedCompression = errors.New("unsupported compression type")

// Codec names
const (
	Zstd = "zstd"
	LZ4  = "lz4"
	Gzip = "gzip"
	None = "none"
)

// Compressor creates streaming encoders and decoders for one codec.
type Compressor interface {
	// NewWriter compresses everything written to the returned writer into w.
	// Close flushes the codec but does not close w. A level outside the
	// codec's range selects DefaultLevel.
	NewWriter(w io.Writer, level int) (io.WriteCloser, error)

	// NewReader decompresses r.
	NewReader(r io.Reader) (io.ReadCloser, error)

	// Extension is appended to exported object keys (e.g. ".zst"), "" for none.
	Extension() string

	DefaultLevel() int
}

// Get returns the compressor named name ("" means zstd).
func Get(name string) (Compressor, error) {
	switch name {
	case Zstd, "":
		return zstdCompressor{}, nil
	case LZ4:
		return lz4Compressor{}, nil
	case Gzip:
		return gzipCompressor{}, nil
	case None:
		return noneCompressor{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCompression, name)
	}
}
