package filecenter

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
)

// Source is the single ingestion abstraction for Put: a path, a byte
// buffer, and an arbitrary reader all flow through the same code path.
type Source interface {
	open(ctx context.Context) (rc io.ReadCloser, name string, err error)
}

// FromPath ingests the file at path. Its base name becomes the default
// file name.
func FromPath(path string) Source {
	return pathSource(path)
}

// FromBytes ingests an in-memory buffer.
func FromBytes(data []byte) Source {
	return bytesSource(data)
}

// FromReader ingests everything remaining in r. The reader is consumed but
// not closed.
func FromReader(r io.Reader) Source {
	return readerSource{r: r}
}

type pathSource string

func (p pathSource) open(ctx context.Context) (io.ReadCloser, string, error) {
	f, err := os.Open(string(p))
	if err != nil {
		return nil, "", err
	}
	return f, filepath.Base(string(p)), nil
}

type bytesSource []byte

func (b bytesSource) open(ctx context.Context) (io.ReadCloser, string, error) {
	return io.NopCloser(bytes.NewReader(b)), "", nil
}

type readerSource struct {
	r io.Reader
}

func (s readerSource) open(ctx context.Context) (io.ReadCloser, string, error) {
	return io.NopCloser(s.r), "", nil
}
