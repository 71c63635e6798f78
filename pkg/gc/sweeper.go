package gc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jacktea/filecenter/pkg/store"
)

// Options configures a Sweeper.
type Options struct {
	Store     store.Store
	BatchSize int
	Logger    func(format string, args ...any)
}

// Sweeper reclaims expired temporary records and orphaned chunk sequences.
// Orphan reclamation is best-effort: a consumed temporary being streamed
// out looks orphaned until its reader closes, which is why sweeps run only
// on demand or at an explicitly chosen interval.
type Sweeper struct {
	store     store.Store
	batchSize int
	logf      func(string, ...any)
}

// NewSweeper wires the record store for garbage collection.
func NewSweeper(opts Options) *Sweeper {
	logf := opts.Logger
	if logf == nil {
		logf = log.Printf
	}
	return &Sweeper{
		store:     opts.Store,
		batchSize: opts.BatchSize,
		logf:      logf,
	}
}

// Sweep performs one GC pass, returning how many records and chunk
// sequences were reclaimed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, fmt.Errorf("gc sweeper missing store")
	}
	limit := s.batchSize
	if limit <= 0 {
		limit = 128
	}
	var total int
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		reaped, err := s.store.ReapExpired(ctx, limit)
		if err != nil {
			return total, err
		}
		total += reaped
		if reaped < limit {
			break
		}
	}
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		orphans, err := s.store.OrphanChunkParents(ctx, limit)
		if err != nil {
			return total, err
		}
		if len(orphans) == 0 {
			return total, nil
		}
		for _, id := range orphans {
			if err := s.store.DeleteChunks(ctx, id); err != nil {
				return total, err
			}
			total++
		}
		if len(orphans) < limit {
			return total, nil
		}
	}
}

// Start launches a background sweep loop until ctx is canceled.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) context.CancelFunc {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			_, err := s.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) && s.logf != nil {
				s.logf("gc sweep: %v", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel
}
