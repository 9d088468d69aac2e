package engine

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/crabkv/crabkv/internal/compaction"
	"github.com/crabkv/crabkv/internal/wal"
)

// maybeCompactLocked evaluates the compaction heuristic after a mutator.
// Callers must hold the exclusive lock. When async compaction is enabled
// and the heuristic fires, a trigger is sent non-blocking to the worker
// (extra triggers coalesce naturally since the worker re-evaluates under
// lock); otherwise compaction runs inline.
func (e *Engine) maybeCompactLocked() error {
	if !compaction.ShouldCompact(e.totalBytes, e.staleBytes) {
		return nil
	}

	if e.opts.AsyncCompaction {
		select {
		case e.compactCh <- struct{}{}:
		default:
		}
		return nil
	}

	return e.runCompactionLocked()
}

// runCompactionLocked rewrites the log with only the live, non-expired
// records, replacing the index and resetting the byte counters. Callers
// must hold the exclusive lock.
func (e *Engine) runCompactionLocked() error {
	now := time.Now()
	live := make([]wal.LiveEntry, 0, len(e.index))
	var expiredKeys []string

	for key, entry := range e.index {
		if entry.HasExpiry && !now.Before(entry.ExpiresAt) {
			expiredKeys = append(expiredKeys, key)
			continue
		}
		rec, err := e.store.ReadRecord(entry.Pointer)
		if err != nil {
			return fmt.Errorf("engine: read record during compaction: %w", err)
		}
		live = append(live, wal.LiveEntry{
			Key:       key,
			Value:     rec.Entry.Value,
			ExpiresAt: entry.ExpiresAt,
			HasExpiry: entry.HasExpiry,
		})
	}

	for _, key := range expiredKeys {
		delete(e.index, key)
		if e.cache != nil {
			e.cache.Remove(key)
		}
	}

	rebuilt, err := e.store.Rewrite(live)
	if err != nil {
		// The swap protocol restores the prior log on failure; state
		// counters are left unchanged.
		return fmt.Errorf("engine: compact rewrite: %w", err)
	}

	e.index = rebuilt
	total, err := e.store.Size()
	if err != nil {
		return fmt.Errorf("engine: stat wal after compaction: %w", err)
	}
	e.totalBytes = total
	e.staleBytes = 0
	e.compacts.Add(1)
	e.log.Info("compaction complete", zap.Int("live_keys", len(rebuilt)), zap.Uint64("total_bytes", total))
	return nil
}

// compactionWorker serializes compaction requests from compactCh, one
// consumer per engine. Errors are logged and dropped: a failed async
// compaction must not poison the engine, only the caller of a synchronous
// Compact()/mutator sees the error directly.
func (e *Engine) compactionWorker() {
	defer close(e.workerDone)
	for range e.compactCh {
		err := e.withWrite(func() error {
			if !compaction.ShouldCompact(e.totalBytes, e.staleBytes) {
				return nil
			}
			return e.runCompactionLocked()
		})
		if err != nil {
			e.log.Error("async compaction failed", zap.Error(err))
		}
	}
}
