// Package engine implements the CrabKV storage engine: it owns the
// in-memory index, the write-ahead log, the lookup cache, and the stale/
// total byte counters, and serializes every mutator behind a single
// readers-writer lock (see SPEC_FULL.md §5).
package engine

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/crabkv/crabkv/internal/cache"
	"github.com/crabkv/crabkv/internal/wal"
)

// walFileName is the live log's name inside the data directory.
const walFileName = "wal.log"

// Stats is a point-in-time snapshot of engine activity counters.
type Stats struct {
	TotalPuts        int64
	TotalGets        int64
	TotalDeletes     int64
	TotalCompactions int64
	KeysCount        int
	StartTime        time.Time
}

// Engine is the concurrent, durable key-value store described by
// SPEC_FULL.md. The zero value is not usable; construct one with
// NewBuilder(dir).Build() or Open(dir).
type Engine struct {
	mu       sync.RWMutex
	poisoned atomic.Bool

	index map[string]wal.IndexEntry
	store *wal.Store
	cache *cache.Cache

	totalBytes uint64
	staleBytes uint64

	opts Options
	log  *zap.Logger

	startTime time.Time
	puts      atomic.Int64
	gets      atomic.Int64
	deletes   atomic.Int64
	compacts  atomic.Int64

	compactCh  chan struct{}
	workerDone chan struct{}
}

// Open opens (or creates) an engine at dir with default options: no cache,
// no default TTL, fsync on every append, synchronous compaction, no
// compression, no write-back.
func Open(dir string) (*Engine, error) {
	return NewBuilder(dir).Build()
}

func open(dir string, opts Options) (*Engine, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	walPath := filepath.Join(dir, walFileName)
	syncInterval := time.Duration(0)
	if opts.HasSyncInterval {
		syncInterval = opts.SyncInterval
	}

	store, err := wal.Open(walPath, syncInterval, opts.Compression, log)
	if err != nil {
		return nil, fmt.Errorf("engine: open wal: %w", err)
	}

	index, stale, err := store.LoadIndex()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("engine: replay wal: %w", err)
	}
	total, err := store.Size()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("engine: stat wal: %w", err)
	}

	var c *cache.Cache
	if opts.HasCacheCapacity && opts.CacheCapacity > 0 {
		c, err = cache.New(opts.CacheCapacity, opts.WriteBackCache)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("engine: build cache: %w", err)
		}
	}

	e := &Engine{
		index:      index,
		store:      store,
		cache:      c,
		totalBytes: total,
		staleBytes: stale,
		opts:       opts,
		log:        log,
		startTime:  time.Now(),
	}

	if opts.AsyncCompaction {
		e.compactCh = make(chan struct{}, 1)
		e.workerDone = make(chan struct{})
		go e.compactionWorker()
	}

	log.Info("engine opened",
		zap.String("dir", dir),
		zap.Int("keys", len(index)),
		zap.Uint64("total_bytes", total),
		zap.Uint64("stale_bytes", stale),
		zap.Bool("async_compaction", opts.AsyncCompaction),
		zap.Bool("compression", opts.Compression),
		zap.Bool("write_back_cache", opts.WriteBackCache),
	)

	return e, nil
}

// resolveExpiry applies the TTL-resolution rule: an explicit ttl wins, else
// the engine's default_ttl applies, else the key never expires.
func (e *Engine) resolveExpiry(ttl *time.Duration) (expiresAt time.Time, hasExpiry bool) {
	switch {
	case ttl != nil:
		return time.Now().Add(*ttl), true
	case e.opts.HasDefaultTTL:
		return time.Now().Add(e.opts.DefaultTTL), true
	default:
		return time.Time{}, false
	}
}

// Put stores value for key, applying the engine's default TTL if one is
// configured.
func (e *Engine) Put(key, value string) error {
	return e.putWithTTL(key, value, nil)
}

// PutWithTTL stores value for key with an explicit TTL, overriding any
// configured default.
func (e *Engine) PutWithTTL(key, value string, ttl time.Duration) error {
	return e.putWithTTL(key, value, &ttl)
}

func (e *Engine) putWithTTL(key, value string, ttl *time.Duration) error {
	if key == "" {
		return ErrKeyEmpty
	}
	expiresAt, hasExpiry := e.resolveExpiry(ttl)

	// Write-back fast path: buffer in the cache and return without touching
	// the WAL. cache and WriteBackCache are both fixed at construction, so
	// reading them needs no lock; only the cache's own mutex is touched.
	if e.cache.WriteBack() {
		e.cache.Put(key, cache.Entry{Value: value, ExpiresAt: expiresAt, HasExpiry: hasExpiry})
		e.puts.Add(1)
		return nil
	}

	return e.withWrite(func() error {
		entry := wal.PutEntry(key, value, expiresAt, hasExpiry)
		pointer, err := e.store.Append(entry)
		if err != nil {
			return fmt.Errorf("engine: append put: %w", err)
		}
		e.totalBytes += uint64(pointer.RecordLen)
		e.applyIndexPut(key, value, pointer, expiresAt, hasExpiry)
		e.puts.Add(1)
		return e.maybeCompactLocked()
	})
}

// BatchEntry is one put within a PutBatch call. A nil TTL falls back to the
// engine's default TTL, exactly like Put.
type BatchEntry struct {
	Key   string
	Value string
	TTL   *time.Duration
}

// PutBatch appends every entry with a single WAL write-lock acquisition and
// fsync, then updates the index and cache as if each had been put in
// order. It is atomic with respect to other engine operations.
func (e *Engine) PutBatch(entries []BatchEntry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, be := range entries {
		if be.Key == "" {
			return ErrKeyEmpty
		}
	}

	return e.withWrite(func() error {
		walEntries := make([]wal.Entry, len(entries))
		expiresAts := make([]time.Time, len(entries))
		hasExpiries := make([]bool, len(entries))
		for i, be := range entries {
			expiresAts[i], hasExpiries[i] = e.resolveExpiry(be.TTL)
			walEntries[i] = wal.PutEntry(be.Key, be.Value, expiresAts[i], hasExpiries[i])
		}

		pointers, err := e.store.AppendBatch(walEntries)
		if err != nil {
			return fmt.Errorf("engine: append batch: %w", err)
		}

		for i, be := range entries {
			e.totalBytes += uint64(pointers[i].RecordLen)
			e.applyIndexPut(be.Key, be.Value, pointers[i], expiresAts[i], hasExpiries[i])
		}
		e.puts.Add(int64(len(entries)))
		return e.maybeCompactLocked()
	})
}

// applyIndexPut installs a new index entry for key, crediting the prior
// pointer's record length to stale_bytes, and mirrors the write into the
// cache. Callers must hold the exclusive lock.
func (e *Engine) applyIndexPut(key, value string, pointer wal.Pointer, expiresAt time.Time, hasExpiry bool) {
	if prev, existed := e.index[key]; existed {
		e.staleBytes += uint64(prev.Pointer.RecordLen)
	}
	e.index[key] = wal.IndexEntry{Pointer: pointer, ExpiresAt: expiresAt, HasExpiry: hasExpiry}
	if e.cache != nil {
		e.cache.Put(key, cache.Entry{Value: value, ExpiresAt: expiresAt, HasExpiry: hasExpiry})
	}
}

// Get returns the value stored for key, or ok=false if absent, expired, or
// tombstoned.
func (e *Engine) Get(key string) (string, bool, error) {
	if key == "" {
		return "", false, nil
	}

	if e.cache.WriteBack() {
		var value string
		var found, cached bool
		err := e.withRead(func() error {
			hit, ok := e.cache.Get(key)
			if !ok {
				return nil
			}
			cached = true
			if hit.Expired(time.Now()) {
				return nil
			}
			value, found = hit.Value, true
			return nil
		})
		if err != nil {
			return "", false, err
		}
		if cached {
			e.gets.Add(1)
			return value, found, nil
		}
	}

	var (
		value       string
		found       bool
		needsExpiry bool
	)
	err := e.withRead(func() error {
		entry, ok := e.index[key]
		if !ok {
			return nil
		}
		if entry.HasExpiry && !time.Now().Before(entry.ExpiresAt) {
			needsExpiry = true
			return nil
		}

		if e.cache != nil {
			if hit, ok := e.cache.Get(key); ok {
				if hit.Expired(time.Now()) {
					return nil
				}
				value, found = hit.Value, true
				return nil
			}
		}

		rec, err := e.store.ReadRecord(entry.Pointer)
		if err != nil {
			return fmt.Errorf("engine: read record: %w", err)
		}
		if rec.Entry.Op != wal.OpPut {
			// An index entry resolving to a Delete indicates corruption of
			// the invariants; treat defensively as not found.
			return nil
		}
		if e.cache != nil {
			e.cache.Put(key, cache.Entry{Value: rec.Entry.Value, ExpiresAt: entry.ExpiresAt, HasExpiry: entry.HasExpiry})
		}
		value, found = rec.Entry.Value, true
		return nil
	})
	if err != nil {
		return "", false, err
	}

	if needsExpiry {
		if err := e.lazyExpire(key); err != nil {
			return "", false, err
		}
		return "", false, nil
	}

	e.gets.Add(1)
	return value, found, nil
}

// lazyExpire removes a TTL-expired key on first read after its deadline:
// it re-checks under the exclusive lock (the key may have been overwritten
// or deleted by another goroutine between the shared-lock read and here),
// then removes the index/cache entries and appends a Delete tombstone.
func (e *Engine) lazyExpire(key string) error {
	return e.withWrite(func() error {
		entry, ok := e.index[key]
		if !ok {
			return nil
		}
		if !(entry.HasExpiry && !time.Now().Before(entry.ExpiresAt)) {
			return nil
		}

		delete(e.index, key)
		e.staleBytes += uint64(entry.Pointer.RecordLen)
		if e.cache != nil {
			e.cache.Remove(key)
		}

		pointer, err := e.store.Append(wal.DeleteEntry(key))
		if err != nil {
			return fmt.Errorf("engine: append lazy-expiry tombstone: %w", err)
		}
		e.totalBytes += uint64(pointer.RecordLen)
		return e.maybeCompactLocked()
	})
}

// Delete removes key, appending a tombstone regardless of whether the key
// currently exists.
func (e *Engine) Delete(key string) error {
	if key == "" {
		return ErrKeyEmpty
	}

	return e.withWrite(func() error {
		if e.cache.WriteBack() {
			e.cache.Remove(key)
		}

		pointer, err := e.store.Append(wal.DeleteEntry(key))
		if err != nil {
			return fmt.Errorf("engine: append delete: %w", err)
		}
		e.totalBytes += uint64(pointer.RecordLen)
		if prev, existed := e.index[key]; existed {
			e.staleBytes += uint64(prev.Pointer.RecordLen)
			delete(e.index, key)
		}
		if e.cache != nil {
			e.cache.Remove(key)
		}
		e.deletes.Add(1)
		return e.maybeCompactLocked()
	})
}

// Flush persists any write-back-buffered puts. It is a no-op when
// write-back caching is disabled.
func (e *Engine) Flush() error {
	if !e.cache.WriteBack() {
		return nil
	}

	return e.withWrite(func() error {
		drained := e.cache.DrainWriteBuffer()
		if len(drained) == 0 {
			return nil
		}

		keys := make([]string, 0, len(drained))
		for k := range drained {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		walEntries := make([]wal.Entry, len(keys))
		for i, k := range keys {
			entry := drained[k]
			walEntries[i] = wal.PutEntry(k, entry.Value, entry.ExpiresAt, entry.HasExpiry)
		}

		pointers, err := e.store.AppendBatch(walEntries)
		if err != nil {
			return fmt.Errorf("engine: flush append batch: %w", err)
		}

		for i, k := range keys {
			e.totalBytes += uint64(pointers[i].RecordLen)
			entry := drained[k]
			if prev, existed := e.index[k]; existed {
				e.staleBytes += uint64(prev.Pointer.RecordLen)
			}
			e.index[k] = wal.IndexEntry{Pointer: pointers[i], ExpiresAt: entry.ExpiresAt, HasExpiry: entry.HasExpiry}
		}
		return e.maybeCompactLocked()
	})
}

// Compact drives a compaction cycle unconditionally.
func (e *Engine) Compact() error {
	return e.withWrite(func() error {
		return e.runCompactionLocked()
	})
}

// Close shuts down the background compaction worker (if any) and closes
// the underlying log.
func (e *Engine) Close() error {
	if e.compactCh != nil {
		close(e.compactCh)
		<-e.workerDone
	}
	return e.store.Close()
}

// Stats returns a snapshot of engine activity counters.
func (e *Engine) Stats() Stats {
	s := Stats{
		TotalPuts:        e.puts.Load(),
		TotalGets:        e.gets.Load(),
		TotalDeletes:     e.deletes.Load(),
		TotalCompactions: e.compacts.Load(),
		StartTime:        e.startTime,
	}
	_ = e.withRead(func() error {
		s.KeysCount = len(e.index)
		return nil
	})
	return s
}
