package compressors

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

type gzipCompressor struct{}

func (gzipCompressor) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	if level < gzip.BestSpeed || level > gzip.BestCompression {
		level = gzip.DefaultCompression
	}
	gw, err := gzip.NewWriterLevel(w, level)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	return gw, nil
}

func (gzipCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	return gr, nil
}

func (gzipCompressor) Extension() string { return ".gz" }

func (gzipCompressor) DefaultLevel() int { return 6 }
