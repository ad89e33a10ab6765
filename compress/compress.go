// Package compress implements the compression collaborator applied to
// payloads before encoding and after reconstruction.
package compress

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// ErrCompression wraps every compression and decompression failure.
var ErrCompression = errors.New("compression error")

// DefaultLevel is the zlib level used when none is configured.
const DefaultLevel = zlib.DefaultCompression

// Compressor compresses payloads at a given level and reverses it.
type Compressor interface {
	Compress(data []byte, level int) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// Zlib is a Compressor producing zlib streams.
//
// MaxDecompressedSize bounds the output of Decompress; zero means unbounded.
type Zlib struct {
	MaxDecompressedSize int
}

// NewZlib returns a zlib Compressor that refuses to inflate beyond maxSize bytes.
func NewZlib(maxSize int) *Zlib {
	return &Zlib{MaxDecompressedSize: maxSize}
}

// Compress deflates data at level, which ranges over zlib.HuffmanOnly..zlib.BestCompression.
func (z *Zlib) Compress(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("%w: zlib level %d: %v", ErrCompression, level, err)
	}
	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("%w: zlib write: %v", ErrCompression, err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("%w: zlib close: %v", ErrCompression, err)
	}
	return buf.Bytes(), nil
}

// Decompress inflates a zlib stream produced by Compress.
func (z *Zlib) Decompress(data []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: zlib header: %v", ErrCompression, err)
	}
	defer reader.Close()

	var src io.Reader = reader
	if z.MaxDecompressedSize > 0 {
		src = io.LimitReader(reader, int64(z.MaxDecompressedSize)+1)
	}
	out, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("%w: zlib inflate: %v", ErrCompression, err)
	}
	if z.MaxDecompressedSize > 0 && len(out) > z.MaxDecompressedSize {
		return nil, fmt.Errorf("%w: decompressed size exceeds %d bytes", ErrCompression, z.MaxDecompressedSize)
	}
	return out, nil
}
