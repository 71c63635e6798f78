package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jacktea/filecenter/pkg/xerrors"
)

// MemoryStore is an in-memory Store for tests and embedded use.
type MemoryStore struct {
	mu      sync.Mutex
	records map[ID]Record
	hashes  map[string]ID
	chunks  map[ID]map[int][]byte
	nextID  uint64
	now     func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[ID]Record),
		hashes:  make(map[string]ID),
		chunks:  make(map[ID]map[int][]byte),
		nextID:  1,
		now:     time.Now,
	}
}

// SetNow overrides the clock used for expiry decisions.
func (m *MemoryStore) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) AllocateID(ctx context.Context) (ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := ID(m.nextID)
	m.nextID++
	return id, nil
}

func (m *MemoryStore) FindByHash(ctx context.Context, hash []byte) (ID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.hashes[string(hash)]
	return id, ok, nil
}

func (m *MemoryStore) Insert(ctx context.Context, rec Record) (ID, bool, error) {
	if rec.ID == 0 {
		return 0, false, xerrors.E(xerrors.KindInvalid, "memory: insert without allocated id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(rec.Hash) > 0 {
		if id, ok := m.hashes[string(rec.Hash)]; ok {
			return id, true, nil
		}
		m.hashes[string(rec.Hash)] = rec.ID
	}
	if rec.Inline != nil {
		rec.Inline = append([]byte(nil), rec.Inline...)
	}
	m.records[rec.ID] = rec
	return rec.ID, false, nil
}

func (m *MemoryStore) Load(ctx context.Context, id ID) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, xerrors.E(xerrors.KindNotFound, "memory: load")
	}
	if !rec.Temporary {
		return rec, nil
	}
	delete(m.records, id)
	if rec.Expired(m.now()) {
		delete(m.chunks, id)
		return Record{}, xerrors.E(xerrors.KindNotFound, "memory: load")
	}
	return rec, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return xerrors.E(xerrors.KindNotFound, "memory: delete")
	}
	if len(rec.Hash) > 0 && m.hashes[string(rec.Hash)] == id {
		delete(m.hashes, string(rec.Hash))
	}
	delete(m.records, id)
	delete(m.chunks, id)
	return nil
}

func (m *MemoryStore) PutChunk(ctx context.Context, id ID, seq int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.chunks[id] == nil {
		m.chunks[id] = make(map[int][]byte)
	}
	m.chunks[id][seq] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStore) GetChunk(ctx context.Context, id ID, seq int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.chunks[id][seq]
	if !ok {
		return nil, xerrors.E(xerrors.KindNotFound, "memory: get chunk")
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) DeleteChunks(ctx context.Context, id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks, id)
	return nil
}

func (m *MemoryStore) ReapExpired(ctx context.Context, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var reaped int
	for id, rec := range m.records {
		if !rec.Expired(now) {
			continue
		}
		delete(m.records, id)
		delete(m.chunks, id)
		reaped++
		if limit > 0 && reaped >= limit {
			break
		}
	}
	return reaped, nil
}

func (m *MemoryStore) OrphanChunkParents(ctx context.Context, limit int) ([]ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ID
	for id := range m.chunks {
		if _, ok := m.records[id]; !ok {
			out = append(out, id)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *MemoryStore) CountRecords(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records), nil
}

func (m *MemoryStore) Close() error { return nil }
