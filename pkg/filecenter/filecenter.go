package filecenter

import (
	"context"
	"fmt"
	"time"

	"github.com/jacktea/filecenter/pkg/cache"
	"github.com/jacktea/filecenter/pkg/chunker"
	"github.com/jacktea/filecenter/pkg/gc"
	"github.com/jacktea/filecenter/pkg/store"
	"github.com/jacktea/filecenter/pkg/token"
	"github.com/jacktea/filecenter/pkg/xerrors"
)

const (
	// DefaultFileSizeThreshold is the largest payload stored inline when no
	// threshold is configured.
	DefaultFileSizeThreshold = 262144
	// MaxFileSizeThreshold caps the configurable inline threshold.
	MaxFileSizeThreshold = 17162240
	// DefaultTemporaryLifetime is how long an unread temporary file stays
	// retrievable.
	DefaultTemporaryLifetime = 60 * time.Second
	// DefaultMIMEType is assumed when the caller supplies none; file names
	// are never sniffed.
	DefaultMIMEType = "application/octet-stream"
)

// Config contains file center settings. CodecKey is required; a Center
// cannot be built without it.
type Config struct {
	// Store overrides the backing store. When nil, a BoltDB store is opened
	// at DBPath.
	Store  store.Store
	DBPath string

	FileSizeThreshold int64
	ChunkSize         int
	TemporaryLifetime time.Duration
	// MaxFileSize rejects payloads the chunk store is not asked to
	// represent. Zero selects MaxFileSizeThreshold * 1024.
	MaxFileSize int64

	CodecKey string

	TokenCacheEntries int
	TokenCacheTTL     time.Duration

	Now func() time.Time
}

// Center stores perennial and temporary files over a document store.
// Perennial files are deduplicated by content fingerprint; temporary files
// may duplicate content but each stored instance is retrievable exactly
// once within its lifetime window. Center holds no mutable state beyond the
// token cache, so concurrent Put/Get/Delete calls need no external
// synchronization.
type Center struct {
	st        store.Store
	ownsStore bool
	codec     *token.Codec
	tokens    *cache.Cache
	sweeper   *gc.Sweeper

	threshold int64
	chunkSize int
	lifetime  time.Duration
	maxSize   int64
	now       func() time.Time
}

// New builds a Center from cfg.
func New(cfg Config) (*Center, error) {
	if cfg.CodecKey == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "filecenter: codec key is required")
	}
	threshold := cfg.FileSizeThreshold
	if threshold == 0 {
		threshold = DefaultFileSizeThreshold
	}
	if threshold < 0 || threshold > MaxFileSizeThreshold {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "filecenter",
			fmt.Errorf("file size threshold %d out of range (0, %d]", threshold, MaxFileSizeThreshold))
	}
	lifetime := cfg.TemporaryLifetime
	if lifetime <= 0 {
		lifetime = DefaultTemporaryLifetime
	}
	maxSize := cfg.MaxFileSize
	if maxSize == 0 {
		maxSize = MaxFileSizeThreshold * 1024
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = chunker.DefaultChunkSize
	}

	codec, err := token.NewCodec(cfg.CodecKey)
	if err != nil {
		return nil, err
	}

	st := cfg.Store
	ownsStore := false
	if st == nil {
		if cfg.DBPath == "" {
			return nil, xerrors.E(xerrors.KindInvalid, "filecenter: store or db path is required")
		}
		bolt, err := store.NewBoltStore(store.BoltConfig{Path: cfg.DBPath, Now: cfg.Now})
		if err != nil {
			return nil, err
		}
		st = bolt
		ownsStore = true
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Center{
		st:        st,
		ownsStore: ownsStore,
		codec:     codec,
		tokens:    cache.New(cfg.TokenCacheEntries, cfg.TokenCacheTTL),
		sweeper:   gc.NewSweeper(gc.Options{Store: st}),
		threshold: threshold,
		chunkSize: chunkSize,
		lifetime:  lifetime,
		maxSize:   maxSize,
		now:       now,
	}, nil
}

// PutOptions name an ingested file. Temporary selects the single-use,
// expiring lifetime instead of the deduplicated perennial one.
type PutOptions struct {
	FileName  string
	MIMEType  string
	Temporary bool
}

// FileItem is a retrieved or newly stored file.
type FileItem struct {
	ID        store.ID
	Size      int64
	MIMEType  string
	FileName  string
	Temporary bool
	CreatedAt time.Time
	ExpiresAt time.Time
	Data      *FileData
}

// Put stores the source and returns the record id. Perennial puts are
// fingerprinted while ingesting; when the content already exists, the
// existing id is returned untouched and anything staged for the duplicate
// is discarded. Temporary puts skip hashing entirely and always create a
// fresh record expiring after the configured lifetime.
func (c *Center) Put(ctx context.Context, src Source, opts PutOptions) (store.ID, error) {
	rc, defaultName, err := src.open(ctx)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	id, err := c.st.AllocateID(ctx)
	if err != nil {
		return 0, err
	}

	res, err := chunker.Write(ctx, c.st, id, rc, chunker.WriteOptions{
		Threshold: c.threshold,
		ChunkSize: c.chunkSize,
		MaxSize:   c.maxSize,
		Hash:      !opts.Temporary,
	})
	if err != nil {
		return 0, err
	}

	name := opts.FileName
	if name == "" {
		name = defaultName
	}
	mime := opts.MIMEType
	if mime == "" {
		mime = DefaultMIMEType
	}

	now := c.now()
	rec := store.Record{
		ID:         id,
		Size:       res.Size,
		MIMEType:   mime,
		FileName:   name,
		CreatedAt:  now,
		Shape:      res.Shape,
		Inline:     res.Inline,
		ChunkCount: res.ChunkCount,
	}
	if opts.Temporary {
		rec.Temporary = true
		rec.ExpiresAt = now.Add(c.lifetime)
	} else {
		rec.Hash = res.Sum
	}

	gotID, existing, err := c.st.Insert(ctx, rec)
	if err != nil {
		if res.Shape == store.ShapeChunked {
			_ = c.st.DeleteChunks(ctx, id)
		}
		return 0, err
	}
	if existing && res.Shape == store.ShapeChunked {
		// Lost the dedup race (or re-put of known content): the winner's
		// chunks serve all readers, ours are surplus.
		_ = c.st.DeleteChunks(ctx, id)
	}
	return gotID, nil
}

// Get retrieves a file. Unknown, expired, and already-consumed ids are all
// reported as not found; callers cannot tell them apart. For a consumed
// temporary file the returned stream stays readable once and its chunks are
// reclaimed when it is closed.
func (c *Center) Get(ctx context.Context, id store.ID) (*FileItem, error) {
	rec, err := c.st.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	item := &FileItem{
		ID:        rec.ID,
		Size:      rec.Size,
		MIMEType:  rec.MIMEType,
		FileName:  rec.FileName,
		Temporary: rec.Temporary,
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
	}
	switch rec.Shape {
	case store.ShapeInline:
		item.Data = newBufferData(rec.Inline)
	case store.ShapeChunked:
		r := chunker.NewReader(ctx, c.st, rec.ID, rec.ChunkCount, rec.Size, chunker.ReaderOptions{
			DeleteOnClose: rec.Temporary,
		})
		item.Data = newStreamData(r)
	default:
		return nil, xerrors.E(xerrors.KindInconsistent, "filecenter: unknown storage shape")
	}
	return item, nil
}

// GetByToken decrypts an id token and retrieves the file it names.
func (c *Center) GetByToken(ctx context.Context, tok string) (*FileItem, error) {
	id, err := c.DecryptIDToken(tok)
	if err != nil {
		return nil, err
	}
	return c.Get(ctx, id)
}

// Delete removes a file and its chunks.
func (c *Center) Delete(ctx context.Context, id store.ID) error {
	return c.st.Delete(ctx, id)
}

// EncryptID wraps an internal id in an opaque token. Tokens are
// deterministic, so results are memoised.
func (c *Center) EncryptID(id store.ID) string {
	key := fmt.Sprintf("%d", id)
	if v, ok := c.tokens.Get(key); ok {
		return v.(string)
	}
	tok := c.codec.Encrypt(uint64(id))
	c.tokens.Set(key, tok)
	return tok
}

// DecryptIDToken unwraps a token produced by EncryptID. Any string not
// produced under the current key fails with the InvalidToken kind.
func (c *Center) DecryptIDToken(tok string) (store.ID, error) {
	id, err := c.codec.Decrypt(tok)
	if err != nil {
		return 0, err
	}
	return store.ID(id), nil
}

// ClearGarbage reclaims expired-but-never-read temporary records and chunk
// sequences left behind by abandoned readers. It runs on demand only.
func (c *Center) ClearGarbage(ctx context.Context) (int, error) {
	return c.sweeper.Sweep(ctx)
}

// Close releases the token cache and, when the Center opened its own store,
// the store as well.
func (c *Center) Close() error {
	c.tokens.Close()
	if c.ownsStore {
		return c.st.Close()
	}
	return nil
}
