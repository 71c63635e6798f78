package filecenter

import (
	"bytes"
	"io"
)

// FileData carries a retrieved payload. Inline payloads arrive buffered;
// chunked payloads arrive as a lazy, ordered, single-pass stream that
// fetches each chunk from the store on demand.
type FileData struct {
	buf    []byte
	stream io.ReadCloser
}

func newBufferData(buf []byte) *FileData {
	return &FileData{buf: buf}
}

func newStreamData(rc io.ReadCloser) *FileData {
	return &FileData{stream: rc}
}

// Buffered reports whether the payload is already held in memory.
func (d *FileData) Buffered() bool {
	return d.stream == nil
}

// Open returns a reader over the payload. For a streamed payload this is
// the underlying lazy chunk reader; it is not restartable.
func (d *FileData) Open() io.ReadCloser {
	if d.stream != nil {
		return d.stream
	}
	return io.NopCloser(bytes.NewReader(d.buf))
}

// Bytes drains the payload into memory. For a streamed payload the stream
// is consumed and closed; the result is retained, so calling Bytes again is
// safe.
func (d *FileData) Bytes() ([]byte, error) {
	if d.stream == nil {
		return d.buf, nil
	}
	data, err := io.ReadAll(d.stream)
	if cerr := d.stream.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	d.buf = data
	d.stream = nil
	return d.buf, nil
}

// Close releases a streamed payload without reading it. Buffered payloads
// need no cleanup.
func (d *FileData) Close() error {
	if d.stream == nil {
		return nil
	}
	err := d.stream.Close()
	d.stream = nil
	return err
}
