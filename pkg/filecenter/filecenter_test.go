package filecenter

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jacktea/filecenter/pkg/store"
	"github.com/jacktea/filecenter/pkg/xerrors"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCenter(t *testing.T, cfg Config) (*Center, *store.MemoryStore, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStore()
	st.SetNow(clock.Now)
	cfg.Store = st
	cfg.Now = clock.Now
	if cfg.CodecKey == "" {
		cfg.CodecKey = "filecenter-test-key"
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, st, clock
}

func TestNewRequiresCodecKey(t *testing.T) {
	_, err := New(Config{Store: store.NewMemoryStore()})
	if xerrors.KindOf(err) != xerrors.KindInvalid {
		t.Fatalf("err = %v, want invalid kind", err)
	}
}

func TestNewRejectsOversizedThreshold(t *testing.T) {
	_, err := New(Config{
		Store:             store.NewMemoryStore(),
		CodecKey:          "k",
		FileSizeThreshold: MaxFileSizeThreshold + 1,
	})
	if xerrors.KindOf(err) != xerrors.KindInvalid {
		t.Fatalf("err = %v, want invalid kind", err)
	}
}

func TestPutGetInlineRoundTrip(t *testing.T) {
	c, _, _ := newTestCenter(t, Config{})
	ctx := context.Background()

	payload := []byte("hello, file center")
	id, err := c.Put(ctx, FromBytes(payload), PutOptions{FileName: "greeting.txt", MIMEType: "text/plain"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	item, err := c.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !item.Data.Buffered() {
		t.Fatal("small payload should come back buffered")
	}
	got, err := item.Data.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload = %q, want %q", got, payload)
	}
	if item.FileName != "greeting.txt" || item.MIMEType != "text/plain" {
		t.Fatalf("metadata = %q/%q", item.FileName, item.MIMEType)
	}
	if item.Temporary {
		t.Fatal("perennial file flagged temporary")
	}
}

func TestPutDefaultsMIMEType(t *testing.T) {
	c, _, _ := newTestCenter(t, Config{})
	ctx := context.Background()

	id, err := c.Put(ctx, FromBytes([]byte("data")), PutOptions{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	item, err := c.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item.MIMEType != DefaultMIMEType {
		t.Fatalf("mime = %q, want %q", item.MIMEType, DefaultMIMEType)
	}
}

func TestPutFromPathUsesBaseName(t *testing.T) {
	c, _, _ := newTestCenter(t, Config{})
	ctx := context.Background()

	dir := t.TempDir()
	path := filepath.Join(dir, "report.bin")
	if err := os.WriteFile(path, []byte("contents"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	id, err := c.Put(ctx, FromPath(path), PutOptions{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	item, err := c.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item.FileName != "report.bin" {
		t.Fatalf("file name = %q, want report.bin", item.FileName)
	}
}

// With a threshold of 10 bytes, an 11-byte payload crosses into chunked
// layout and splits into a full chunk plus a one-byte tail.
func TestThresholdBoundaryChunking(t *testing.T) {
	c, st, _ := newTestCenter(t, Config{FileSizeThreshold: 10, ChunkSize: 10})
	ctx := context.Background()

	atID, err := c.Put(ctx, FromBytes([]byte("HELLOWORLD")), PutOptions{})
	if err != nil {
		t.Fatalf("Put at threshold: %v", err)
	}
	atItem, err := c.Get(ctx, atID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !atItem.Data.Buffered() {
		t.Fatal("10-byte payload at threshold should be inline")
	}

	overID, err := c.Put(ctx, FromBytes([]byte("HELLOWORLD!")), PutOptions{})
	if err != nil {
		t.Fatalf("Put over threshold: %v", err)
	}
	if first, err := st.GetChunk(ctx, overID, 0); err != nil {
		t.Fatalf("chunk 0: %v", err)
	} else if string(first) != "HELLOWORLD" {
		t.Fatalf("chunk 0 = %q", first)
	}
	if tail, err := st.GetChunk(ctx, overID, 1); err != nil {
		t.Fatalf("chunk 1: %v", err)
	} else if string(tail) != "!" {
		t.Fatalf("chunk 1 = %q", tail)
	}

	overItem, err := c.Get(ctx, overID)
	if err != nil {
		t.Fatalf("Get chunked: %v", err)
	}
	if overItem.Data.Buffered() {
		t.Fatal("11-byte payload over threshold should be streamed")
	}
	got, err := overItem.Data.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if string(got) != "HELLOWORLD!" {
		t.Fatalf("payload = %q", got)
	}
}

func TestPerennialDedupReturnsSameID(t *testing.T) {
	c, st, _ := newTestCenter(t, Config{FileSizeThreshold: 10, ChunkSize: 10})
	ctx := context.Background()

	payload := []byte("HELLOWORLD!")
	first, err := c.Put(ctx, FromBytes(payload), PutOptions{})
	if err != nil {
		t.Fatalf("first Put: %v", err)
	}
	second, err := c.Put(ctx, FromBytes(payload), PutOptions{})
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if first != second {
		t.Fatalf("ids differ: %d vs %d", first, second)
	}
	n, err := st.CountRecords(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("records = %d, want 1", n)
	}
	// The loser's staged chunks must be gone; only the winner's remain.
	if got, err := c.ClearGarbage(ctx); err != nil {
		t.Fatalf("ClearGarbage: %v", err)
	} else if got != 0 {
		t.Fatalf("ClearGarbage reclaimed %d, want 0", got)
	}
	item, err := c.Get(ctx, first)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	data, err := item.Data.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatalf("payload = %q", data)
	}
}

func TestTemporaryFilesNeverDeduplicate(t *testing.T) {
	c, _, _ := newTestCenter(t, Config{})
	ctx := context.Background()

	a, err := c.Put(ctx, FromBytes([]byte("HI!!!")), PutOptions{Temporary: true})
	if err != nil {
		t.Fatalf("Put a: %v", err)
	}
	b, err := c.Put(ctx, FromBytes([]byte("HI!!!")), PutOptions{Temporary: true})
	if err != nil {
		t.Fatalf("Put b: %v", err)
	}
	if a == b {
		t.Fatal("temporary puts of identical content shared an id")
	}
}

func TestTemporaryReadOnce(t *testing.T) {
	c, _, _ := newTestCenter(t, Config{})
	ctx := context.Background()

	id, err := c.Put(ctx, FromBytes([]byte("HI!!!")), PutOptions{Temporary: true})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	item, err := c.Get(ctx, id)
	if err != nil {
		t.Fatalf("first Get: %v", err)
	}
	if !item.Temporary {
		t.Fatal("item not flagged temporary")
	}
	data, err := item.Data.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if string(data) != "HI!!!" {
		t.Fatalf("payload = %q", data)
	}
	if _, err := c.Get(ctx, id); !xerrors.IsNotFound(err) {
		t.Fatalf("second Get err = %v, want not found", err)
	}
}

func TestTemporaryExpiresUnread(t *testing.T) {
	c, _, clock := newTestCenter(t, Config{TemporaryLifetime: 30 * time.Second})
	ctx := context.Background()

	id, err := c.Put(ctx, FromBytes([]byte("fleeting")), PutOptions{Temporary: true})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	clock.Advance(31 * time.Second)
	if _, err := c.Get(ctx, id); !xerrors.IsNotFound(err) {
		t.Fatalf("Get err = %v, want not found", err)
	}
}

// A chunked temporary stays streamable through its single permitted read
// even though the record itself is consumed up front; closing the stream
// reclaims the chunks.
func TestTemporaryChunkedStreamSurvivesConsume(t *testing.T) {
	c, st, _ := newTestCenter(t, Config{FileSizeThreshold: 4, ChunkSize: 4})
	ctx := context.Background()

	id, err := c.Put(ctx, FromBytes([]byte("stream me once")), PutOptions{Temporary: true})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	item, err := c.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item.Data.Buffered() {
		t.Fatal("expected streamed payload")
	}
	if _, err := c.Get(ctx, id); !xerrors.IsNotFound(err) {
		t.Fatalf("concurrent Get err = %v, want not found", err)
	}
	data, err := item.Data.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if string(data) != "stream me once" {
		t.Fatalf("payload = %q", data)
	}
	if _, err := st.GetChunk(ctx, id, 0); err == nil {
		t.Fatal("chunks survived close of a consumed temporary")
	}
}

func TestPutRejectsPayloadOverMaxSize(t *testing.T) {
	c, st, _ := newTestCenter(t, Config{FileSizeThreshold: 4, ChunkSize: 4, MaxFileSize: 16})
	ctx := context.Background()

	_, err := c.Put(ctx, FromReader(strings.NewReader(strings.Repeat("x", 32))), PutOptions{})
	if xerrors.KindOf(err) != xerrors.KindPayloadTooLarge {
		t.Fatalf("err = %v, want payload too large", err)
	}
	if got, err := st.OrphanChunkParents(ctx, 0); err != nil {
		t.Fatalf("orphans: %v", err)
	} else if len(got) != 0 {
		t.Fatalf("rejected put left %d orphaned chunk sequences", len(got))
	}
}

func TestTokenRoundTrip(t *testing.T) {
	c, _, _ := newTestCenter(t, Config{})
	ctx := context.Background()

	id, err := c.Put(ctx, FromBytes([]byte("tokenized")), PutOptions{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	tok := c.EncryptID(id)
	if tok == "" {
		t.Fatal("empty token")
	}
	if again := c.EncryptID(id); again != tok {
		t.Fatalf("token not deterministic: %q vs %q", tok, again)
	}

	back, err := c.DecryptIDToken(tok)
	if err != nil {
		t.Fatalf("DecryptIDToken: %v", err)
	}
	if back != id {
		t.Fatalf("round trip id = %d, want %d", back, id)
	}

	item, err := c.GetByToken(ctx, tok)
	if err != nil {
		t.Fatalf("GetByToken: %v", err)
	}
	data, err := item.Data.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if string(data) != "tokenized" {
		t.Fatalf("payload = %q", data)
	}

	if _, err := c.GetByToken(ctx, "not-a-valid-token"); xerrors.KindOf(err) != xerrors.KindInvalidToken {
		t.Fatalf("err = %v, want invalid token", err)
	}
}

func TestDeleteRemovesRecordAndChunks(t *testing.T) {
	c, st, _ := newTestCenter(t, Config{FileSizeThreshold: 4, ChunkSize: 4})
	ctx := context.Background()

	id, err := c.Put(ctx, FromBytes([]byte("chunked payload")), PutOptions{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := c.Get(ctx, id); !xerrors.IsNotFound(err) {
		t.Fatalf("Get after delete err = %v, want not found", err)
	}
	if _, err := st.GetChunk(ctx, id, 0); err == nil {
		t.Fatal("chunks survived delete")
	}
	if err := c.Delete(ctx, id); !xerrors.IsNotFound(err) {
		t.Fatalf("second Delete err = %v, want not found", err)
	}
}

func TestDeleteClearsDedupIndex(t *testing.T) {
	c, _, _ := newTestCenter(t, Config{})
	ctx := context.Background()

	payload := []byte("delete then re-put")
	first, err := c.Put(ctx, FromBytes(payload), PutOptions{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.Delete(ctx, first); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	second, err := c.Put(ctx, FromBytes(payload), PutOptions{})
	if err != nil {
		t.Fatalf("re-Put: %v", err)
	}
	if second == first {
		t.Fatalf("re-put resolved to deleted id %d", first)
	}
	item, err := c.Get(ctx, second)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	data, err := item.Data.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatalf("payload = %q", data)
	}
}

func TestClearGarbageReclaimsAbandonedTemporary(t *testing.T) {
	c, st, clock := newTestCenter(t, Config{FileSizeThreshold: 4, ChunkSize: 4})
	ctx := context.Background()

	id, err := c.Put(ctx, FromBytes([]byte("never read, chunked")), PutOptions{Temporary: true})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	clock.Advance(DefaultTemporaryLifetime + time.Second)

	reclaimed, err := c.ClearGarbage(ctx)
	if err != nil {
		t.Fatalf("ClearGarbage: %v", err)
	}
	if reclaimed == 0 {
		t.Fatal("nothing reclaimed")
	}
	if _, err := st.GetChunk(ctx, id, 0); err == nil {
		t.Fatal("chunks survived garbage collection")
	}
	n, err := st.CountRecords(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("records = %d, want 0", n)
	}
}

func TestStreamNotRestartable(t *testing.T) {
	c, _, _ := newTestCenter(t, Config{FileSizeThreshold: 4, ChunkSize: 4})
	ctx := context.Background()

	id, err := c.Put(ctx, FromBytes([]byte("one pass only")), PutOptions{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	item, err := c.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	rc := item.Data.Open()
	if _, err := io.ReadAll(rc); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := rc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	var buf [1]byte
	if _, err := rc.Read(buf[:]); err == nil {
		t.Fatal("read succeeded after close")
	}
}
