package store

import (
	"context"
	"time"
)

// ID identifies a stored file record. IDs are allocated by the store and
// carry no relation to file content, so they cannot be used to probe the
// dedup index.
type ID uint64

// Shape describes how a record's payload is laid out.
type Shape int

const (
	// ShapeInline keeps the payload inside the record itself.
	ShapeInline Shape = iota
	// ShapeChunked splits the payload into an ordered chunk sequence.
	ShapeChunked
)

// Record is the persisted form of a file. Hash is set only for perennial
// records and is unique across them. ExpiresAt is set only for temporary
// records.
type Record struct {
	ID         ID                `json:"id"`
	Hash       []byte            `json:"hash,omitempty"`
	Size       int64             `json:"size"`
	MIMEType   string            `json:"mime_type,omitempty"`
	FileName   string            `json:"file_name,omitempty"`
	Temporary  bool              `json:"temporary"`
	CreatedAt  time.Time         `json:"created_at"`
	ExpiresAt  time.Time         `json:"expires_at,omitzero"`
	Shape      Shape             `json:"shape"`
	Inline     []byte            `json:"inline,omitempty"`
	ChunkCount int               `json:"chunk_count,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Expired reports whether a temporary record's lifetime has passed.
func (r Record) Expired(now time.Time) bool {
	return r.Temporary && !now.Before(r.ExpiresAt)
}

// Store persists file records and their chunk sequences. It is the sole
// serialization point: Insert and Load each run as one atomic store
// operation, so concurrent callers never race a dedup insert or a
// temporary-file consume.
type Store interface {
	// AllocateID reserves a fresh record id. Chunks may be staged under it
	// before the record itself is inserted.
	AllocateID(ctx context.Context) (ID, error)

	// FindByHash resolves a perennial content fingerprint to its record id.
	FindByHash(ctx context.Context, hash []byte) (ID, bool, error)

	// Insert persists rec under its pre-allocated ID. When rec.Hash is set
	// and another record already owns that hash, nothing is written and the
	// existing id is returned with existing=true; the caller is expected to
	// discard any chunks staged for rec.ID.
	Insert(ctx context.Context, rec Record) (id ID, existing bool, err error)

	// Load fetches a record. For temporary records the lookup, expiry check,
	// and consumption happen as one atomic step: an expired record is
	// reclaimed and reported as not found, an unexpired one is removed so no
	// later Load can see it. Chunks of a consumed record stay readable until
	// deleted by the caller.
	Load(ctx context.Context, id ID) (Record, error)

	// Delete removes a record, its dedup index entry, and all of its chunks.
	Delete(ctx context.Context, id ID) error

	// PutChunk stores one chunk of a record's payload. Callers write chunks
	// in ascending seq order starting at 0.
	PutChunk(ctx context.Context, id ID, seq int, data []byte) error

	// GetChunk fetches a single chunk.
	GetChunk(ctx context.Context, id ID, seq int) ([]byte, error)

	// DeleteChunks removes every chunk stored under id.
	DeleteChunks(ctx context.Context, id ID) error

	// ReapExpired removes temporary records (and their chunks) whose
	// lifetime has passed without a read. It returns the number of records
	// reclaimed, up to limit when limit > 0.
	ReapExpired(ctx context.Context, limit int) (int, error)

	// OrphanChunkParents lists ids that own chunks but no record. A consumed
	// chunked temporary looks orphaned until its reader finishes, so
	// reclaiming these is best-effort.
	OrphanChunkParents(ctx context.Context, limit int) ([]ID, error)

	// CountRecords reports how many records exist.
	CountRecords(ctx context.Context) (int, error)

	Close() error
}
