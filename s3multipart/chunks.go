package s3multipart

import (
	"fmt"
	"io"
	"os"
)

// DefaultChunkSize matches the 16 MiB parts the web uploader sends.
const DefaultChunkSize = 16 << 20

// ChunkReader splits a file into fixed-size, sequentially numbered parts.
// Chunks are read on demand so multi-gigabyte slide files never have to fit
// in memory; only the chunk currently being uploaded is held.
//
// A ChunkReader is not restartable. To iterate again, open a new one.
type ChunkReader struct {
	f    *os.File
	size int64
	part int
}

// OpenChunks opens path for reading in size-byte chunks.
func OpenChunks(path string, size int64) (*ChunkReader, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &ChunkReader{f: f, size: size}, nil
}

// Next returns the next part number and chunk. Part numbers start at 1 and
// increase without gaps. Every chunk is exactly the configured size except
// possibly the last, which may be shorter; a file whose size is an exact
// multiple produces no trailing empty chunk. After the last chunk, Next
// returns io.EOF.
func (c *ChunkReader) Next() (int, []byte, error) {
	buf := make([]byte, c.size)
	n, err := io.ReadFull(c.f, buf)
	if n == 0 {
		if err == io.EOF || err == io.ErrUnexpectedEOF || err == nil {
			return 0, nil, io.EOF
		}
		return 0, nil, err
	}
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return 0, nil, err
	}
	c.part++
	return c.part, buf[:n], nil
}

// Close closes the underlying file.
func (c *ChunkReader) Close() error {
	return c.f.Close()
}
