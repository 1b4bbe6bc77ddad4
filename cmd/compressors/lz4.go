package compressors

import (
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

type lz4Compressor struct{}

var lz4Levels = [...]lz4.CompressionLevel{
	lz4.Fast, lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4,
	lz4.Level5, lz4.Level6, lz4.Level7, lz4.Level8, lz4.Level9,
}

func (lz4Compressor) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	lw := lz4.NewWriter(w)
	if level >= 1 && level <= 9 {
		if err := lw.Apply(lz4.CompressionLevelOption(lz4Levels[level])); err != nil {
			return nil, fmt.Errorf("failed to apply lz4 level %d: %w", level, err)
		}
	}
	return lw, nil
}

func (lz4Compressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}

func (lz4Compressor) Extension() string { return ".lz4" }

func (lz4Compressor) DefaultLevel() int { return 1 }
