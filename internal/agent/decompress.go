package agent

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/spachava753/buda/internal/models"
)

func validCompression(c string) bool {
	switch c {
	case "", models.CompressionNone, models.CompressionGzip, models.CompressionZstd, models.CompressionLZ4:
		return true
	}
	return false
}

// decompress wraps r according to the configured compression. The returned
// closer releases decoder resources, not r itself.
func decompress(r io.Reader, compression string) (io.Reader, func(), error) {
	switch compression {
	case "", models.CompressionNone:
		return r, func() {}, nil
	case models.CompressionGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		// Concatenated uploads on one connection are read as one stream.
		zr.Multistream(true)
		return zr, func() { zr.Close() }, nil
	case models.CompressionZstd:
		zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, nil, fmt.Errorf("opening zstd stream: %w", err)
		}
		return zr, zr.Close, nil
	case models.CompressionLZ4:
		return lz4.NewReader(r), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported compression: %s", compression)
	}
}
