package engine

import (
	"time"

	"go.uber.org/zap"
)

// Options holds the six tunables from SPEC_FULL.md §4.6. The zero value
// means "caching disabled, no default TTL, fsync every append, synchronous
// compaction, no compression, no write-back" — the same defaults the
// builder produces.
type Options struct {
	CacheCapacity    int  // <= 0 disables caching
	HasCacheCapacity bool
	DefaultTTL       time.Duration
	HasDefaultTTL    bool
	SyncInterval     time.Duration // <= 0 means fsync every append
	HasSyncInterval  bool
	AsyncCompaction  bool
	Compression      bool
	WriteBackCache   bool
	Logger           *zap.Logger
}

// Builder assembles an Engine via a fluent chain, matching the
// `CrabKv::builder(dir)` construction API.
type Builder struct {
	dir string
	opt Options
}

// NewBuilder starts building an Engine rooted at dir.
func NewBuilder(dir string) *Builder {
	return &Builder{dir: dir}
}

// CacheCapacity sets the LRU capacity; must be positive to take effect.
func (b *Builder) CacheCapacity(capacity int) *Builder {
	b.opt.CacheCapacity = capacity
	b.opt.HasCacheCapacity = capacity > 0
	return b
}

// DefaultTTL sets the expiry applied to Puts that don't specify their own.
func (b *Builder) DefaultTTL(ttl time.Duration) *Builder {
	b.opt.DefaultTTL = ttl
	b.opt.HasDefaultTTL = true
	return b
}

// SyncInterval sets the minimum gap between fsyncs on single-entry appends.
// Absent (never called) means fsync on every append.
func (b *Builder) SyncInterval(d time.Duration) *Builder {
	b.opt.SyncInterval = d
	b.opt.HasSyncInterval = true
	return b
}

// AsyncCompaction offloads compaction to a background worker goroutine.
func (b *Builder) AsyncCompaction(enabled bool) *Builder {
	b.opt.AsyncCompaction = enabled
	return b
}

// Compression toggles Snappy compression of Put value payloads.
func (b *Builder) Compression(enabled bool) *Builder {
	b.opt.Compression = enabled
	return b
}

// WriteBackCache toggles buffering Puts in memory until an explicit Flush.
func (b *Builder) WriteBackCache(enabled bool) *Builder {
	b.opt.WriteBackCache = enabled
	return b
}

// Logger sets the zap logger the engine reports lifecycle events through.
// Defaults to a no-op logger.
func (b *Builder) Logger(log *zap.Logger) *Builder {
	b.opt.Logger = log
	return b
}

// Build opens (or creates) the engine at the builder's directory.
func (b *Builder) Build() (*Engine, error) {
	return open(b.dir, b.opt)
}
