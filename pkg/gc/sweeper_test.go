package gc

import (
	"context"
	"testing"
	"time"

	"github.com/jacktea/filecenter/pkg/store"
)

func discardLogf(string, ...any) {}

func TestSweepReapsExpiredTemporaries(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Now()
	st.SetNow(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id, err := st.AllocateID(ctx)
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		rec := store.Record{
			ID:        id,
			Size:      4,
			Temporary: true,
			CreatedAt: now,
			ExpiresAt: now.Add(time.Minute),
			Shape:     store.ShapeInline,
			Inline:    []byte("temp"),
		}
		if _, _, err := st.Insert(ctx, rec); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	sw := NewSweeper(Options{Store: st, Logger: discardLogf})
	reclaimed, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if reclaimed != 0 {
		t.Fatalf("reclaimed %d before expiry, want 0", reclaimed)
	}

	now = now.Add(2 * time.Minute)
	reclaimed, err = sw.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if reclaimed != 3 {
		t.Fatalf("reclaimed %d after expiry, want 3", reclaimed)
	}
	n, err := st.CountRecords(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("records left %d, want 0", n)
	}
}

func TestSweepReclaimsOrphanChunks(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	// Chunks staged under an id that never got a record.
	id, err := st.AllocateID(ctx)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := st.PutChunk(ctx, id, 0, []byte("abandoned")); err != nil {
		t.Fatalf("put chunk: %v", err)
	}

	// A live chunked record must survive the sweep.
	liveID, err := st.AllocateID(ctx)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := st.PutChunk(ctx, liveID, 0, []byte("live")); err != nil {
		t.Fatalf("put chunk: %v", err)
	}
	rec := store.Record{
		ID:         liveID,
		Size:       4,
		CreatedAt:  time.Now(),
		Shape:      store.ShapeChunked,
		ChunkCount: 1,
	}
	if _, _, err := st.Insert(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	sw := NewSweeper(Options{Store: st, BatchSize: 1, Logger: discardLogf})
	reclaimed, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("reclaimed %d, want 1", reclaimed)
	}
	if _, err := st.GetChunk(ctx, id, 0); err == nil {
		t.Fatal("orphan chunk still present after sweep")
	}
	if _, err := st.GetChunk(ctx, liveID, 0); err != nil {
		t.Fatalf("live chunk lost: %v", err)
	}
}

func TestSweepHonorsContextCancel(t *testing.T) {
	st := store.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sw := NewSweeper(Options{Store: st, Logger: discardLogf})
	if _, err := sw.Sweep(ctx); err == nil {
		t.Fatal("expected error from canceled context")
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	st := store.NewMemoryStore()
	sw := NewSweeper(Options{Store: st, Logger: discardLogf})
	stop := sw.Start(context.Background(), 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	stop()
}
