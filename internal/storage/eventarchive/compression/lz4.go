package compression

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4"
)

// NoCompressor passes data through unchanged.
type NoCompressor struct{}

// Name returns "none".
func (c *NoCompressor) Name() string { return "none" }

// Compress returns a copy of data.
func (c *NoCompressor) Compress(data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Decompress returns a copy of data.
func (c *NoCompressor) Decompress(data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// LZ4Compressor compresses with LZ4 block format. The uncompressed
// length is prefixed so decompression can size its buffer exactly.
type LZ4Compressor struct{}

// Name returns "lz4".
func (c *LZ4Compressor) Name() string { return "lz4" }

// Compress compresses data, prefixing the original length. Blocks that
// do not shrink are stored raw with a zero compressed marker.
func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	buf := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	n, err := lz4.CompressBlock(data, buf[4:], nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 || n >= len(data) {
		// Incompressible; store raw.
		out := make([]byte, 4+len(data))
		binary.BigEndian.PutUint32(out, 0)
		copy(out[4:], data)
		return out, nil
	}
	return buf[:4+n], nil
}

// Decompress reverses Compress.
func (c *LZ4Compressor) Decompress(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("lz4 decompress: block shorter than header")
	}
	size := binary.BigEndian.Uint32(data)
	if size == 0 {
		out := make([]byte, len(data)-4)
		copy(out, data[4:])
		return out, nil
	}
	out := make([]byte, size)
	n, err := lz4.UncompressBlock(data[4:], out)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	return out[:n], nil
}
