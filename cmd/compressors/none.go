package compressors

import "io"

// noneCompressor passes bytes through unchanged.
type noneCompressor struct{}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

func (noneCompressor) NewWriter(w io.Writer, _ int) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

func (noneCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

func (noneCompressor) Extension() string { return "" }

func (noneCompressor) DefaultLevel() int { return 0 }
