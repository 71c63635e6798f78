package chunker

import (
	"bytes"
	"context"
	"hash"
	"io"

	"github.com/jacktea/filecenter/pkg/digest"
	"github.com/jacktea/filecenter/pkg/store"
	"github.com/jacktea/filecenter/pkg/xerrors"
)

// DefaultChunkSize bounds a single chunk record. Matches the classic
// 255 KB document-store chunk payload.
const DefaultChunkSize = 261120

// WriteOptions controls shape decision and chunking.
type WriteOptions struct {
	// Threshold is the largest payload stored inline. Anything larger is
	// chunked.
	Threshold int64
	// ChunkSize caps each chunk; the final chunk may be shorter.
	ChunkSize int
	// MaxSize, when positive, rejects payloads above it.
	MaxSize int64
	// Hash requests a content fingerprint of everything ingested.
	Hash bool
}

// Result describes an ingested payload.
type Result struct {
	Shape      store.Shape
	Inline     []byte
	Size       int64
	Sum        []byte
	ChunkCount int
}

// Write ingests r, deciding the storage shape before anything is persisted:
// up to Threshold+1 bytes are buffered, and only when the input proves larger
// than the threshold are chunks staged under id, in ascending sequence order.
// On a chunked write the record itself is not touched; the caller inserts it
// (or discards the staged chunks) afterwards.
func Write(ctx context.Context, st store.Store, id store.ID, r io.Reader, opts WriteOptions) (Result, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}

	head := make([]byte, opts.Threshold+1)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return Result{}, xerrors.Wrap(xerrors.KindInternal, "chunker: read", err)
	}

	if int64(n) <= opts.Threshold {
		inline := append([]byte(nil), head[:n]...)
		res := Result{Shape: store.ShapeInline, Inline: inline, Size: int64(n)}
		if opts.Hash {
			res.Sum = digest.Sum(inline)
		}
		return res, nil
	}

	var h hash.Hash
	src := io.Reader(io.MultiReader(bytes.NewReader(head[:n]), r))
	if opts.Hash {
		h = digest.New()
		src = io.TeeReader(src, h)
	}

	buf := make([]byte, opts.ChunkSize)
	var size int64
	seq := 0
	for {
		c, err := io.ReadFull(src, buf)
		if c > 0 {
			size += int64(c)
			if opts.MaxSize > 0 && size > opts.MaxSize {
				discard(ctx, st, id)
				return Result{}, xerrors.E(xerrors.KindPayloadTooLarge, "chunker: write")
			}
			if perr := st.PutChunk(ctx, id, seq, buf[:c]); perr != nil {
				discard(ctx, st, id)
				return Result{}, perr
			}
			seq++
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			discard(ctx, st, id)
			return Result{}, xerrors.Wrap(xerrors.KindInternal, "chunker: read", err)
		}
	}

	res := Result{Shape: store.ShapeChunked, Size: size, ChunkCount: seq}
	if h != nil {
		res.Sum = h.Sum(nil)
	}
	return res, nil
}

// discard best-effort removes staged chunks after a failed write; the
// original error is what the caller sees.
func discard(ctx context.Context, st store.Store, id store.ID) {
	_ = st.DeleteChunks(ctx, id)
}
