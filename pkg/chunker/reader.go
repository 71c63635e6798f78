package chunker

import (
	"context"
	"io"

	"github.com/jacktea/filecenter/pkg/store"
	"github.com/jacktea/filecenter/pkg/xerrors"
)

// ReaderOptions controls chunk reassembly.
type ReaderOptions struct {
	// DeleteOnClose removes the chunk sequence when the reader is closed.
	// Used for consumed temporary records, whose metadata is already gone.
	DeleteOnClose bool
}

// Reader reassembles a chunked payload lazily: each chunk is fetched from
// the store only when Read advances into it, strictly in sequence order.
// The sequence is finite and non-restartable.
type Reader struct {
	ctx   context.Context
	st    store.Store
	id    store.ID
	count int
	size  int64
	opts  ReaderOptions

	seq    int
	buf    []byte
	read   int64
	err    error
	closed bool
}

// NewReader prepares a lazy reader over the count chunks stored under id.
// size is the expected total payload length; any mismatch or gap observed
// while reading surfaces as an Inconsistent error.
func NewReader(ctx context.Context, st store.Store, id store.ID, count int, size int64, opts ReaderOptions) *Reader {
	return &Reader{ctx: ctx, st: st, id: id, count: count, size: size, opts: opts}
}

func (r *Reader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	for len(r.buf) == 0 {
		if r.seq >= r.count {
			if r.read != r.size {
				r.err = xerrors.E(xerrors.KindInconsistent, "chunker: size mismatch")
				return 0, r.err
			}
			r.err = io.EOF
			return 0, io.EOF
		}
		data, err := r.st.GetChunk(r.ctx, r.id, r.seq)
		if err != nil {
			if xerrors.IsNotFound(err) {
				err = xerrors.E(xerrors.KindInconsistent, "chunker: missing chunk")
			}
			r.err = err
			return 0, r.err
		}
		r.seq++
		r.buf = data
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	r.read += int64(n)
	if r.read > r.size {
		r.err = xerrors.E(xerrors.KindInconsistent, "chunker: size mismatch")
		return 0, r.err
	}
	return n, nil
}

// Close releases the reader. With DeleteOnClose set, the chunk sequence is
// removed from the store.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.err == nil {
		r.err = xerrors.E(xerrors.KindInvalid, "chunker: reader closed")
	}
	if r.opts.DeleteOnClose {
		return r.st.DeleteChunks(r.ctx, r.id)
	}
	return nil
}
