package compressors

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

type zstdCompressor struct{}

// encoderLevel maps 1-9 onto zstd's four speed presets.
func encoderLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 0:
		return zstd.SpeedDefault
	case level <= 1:
		return zstd.SpeedFastest
	case level <= 4:
		return zstd.SpeedDefault
	case level <= 7:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

func (zstdCompressor) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(encoderLevel(level)))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return enc, nil
}

func (zstdCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return dec.IOReadCloser(), nil
}

func (zstdCompressor) Extension() string { return ".zst" }

func (zstdCompressor) DefaultLevel() int { return 3 }
