// Package wal implements the append-only write-ahead log that backs the
// CrabKV engine: a deterministic record codec, a buffered append/rewrite
// protocol, and crash-safe recovery of an interrupted compaction swap.
package wal

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	compactSuffix = ".compact"
	backupSuffix  = ".backup"
)

// LiveEntry is a single live key's material as fed to Rewrite: already
// filtered down to non-expired, non-tombstoned records.
type LiveEntry struct {
	Key       string
	Value     string
	ExpiresAt time.Time
	HasExpiry bool
}

// IndexEntry is what LoadIndex/Rewrite hand back to the engine: a pointer
// to the record plus its expiry, one per live key.
type IndexEntry struct {
	Pointer   Pointer
	ExpiresAt time.Time
	HasExpiry bool
}

// Store owns the log file on disk. Append/AppendBatch serialize on an
// internal writer mutex, but the engine above only ever runs one appender at
// a time, so that mutex is normally uncontended. Rewrite writes its temp file
// without that mutex and only takes it for the swap, so it must not run
// concurrently with another Rewrite or with appends; the engine calls it
// under its exclusive lock.
type Store struct {
	path        string
	compression bool
	syncEvery   time.Duration // zero means "fsync every append"
	log         *zap.Logger

	writerMu sync.Mutex
	writer   *os.File
	buffered *bufio.Writer
	lastSync time.Time
}

// Open creates the parent directory if needed, recovers from an interrupted
// compaction swap if one was left behind, and opens the log for
// create+append+read.
//
// syncInterval of zero means fsync on every append. compression toggles
// Snappy compression of Put value payloads; it is a property of the engine
// and is not recorded in the log itself (see SPEC_FULL.md's open-question
// decision).
func Open(path string, syncInterval time.Duration, compression bool, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create directory: %w", err)
	}

	if err := recoverInterruptedRewrite(path, log); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open file: %w", err)
	}

	return &Store{
		path:        path,
		compression: compression,
		syncEvery:   syncInterval,
		log:         log,
		writer:      f,
		buffered:    bufio.NewWriter(f),
		lastSync:    time.Now(),
	}, nil
}

// recoverInterruptedRewrite implements SPEC_FULL.md's open-question
// decision: if the live log is absent and a backup from an aborted
// compaction exists, the backup becomes the live log before anything reads
// it.
func recoverInterruptedRewrite(path string, log *zap.Logger) error {
	backupPath := path + backupSuffix
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("wal: stat log: %w", err)
	}

	if _, err := os.Stat(backupPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("wal: stat backup: %w", err)
	}

	log.Warn("recovering interrupted compaction at open", zap.String("backup", backupPath), zap.String("log", path))
	if err := os.Rename(backupPath, path); err != nil {
		return fmt.Errorf("wal: restore backup at open: %w", err)
	}
	return nil
}

// Size returns the current file size, or zero if the file does not exist.
func (s *Store) Size() (uint64, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("wal: stat: %w", err)
	}
	return uint64(info.Size()), nil
}

// Append encodes and writes a single entry, returning a pointer to it. The
// offset returned is the file end as observed before the write; callers
// must guarantee single-writer access (see Store doc comment).
func (s *Store) Append(entry Entry) (Pointer, error) {
	data, valueLen, err := encode(entry, s.compression)
	if err != nil {
		return Pointer{}, err
	}

	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	offset, err := s.writer.Seek(0, io.SeekEnd)
	if err != nil {
		return Pointer{}, fmt.Errorf("wal: seek to end: %w", err)
	}
	if _, err := s.buffered.Write(data); err != nil {
		return Pointer{}, fmt.Errorf("wal: write record: %w", err)
	}

	if err := s.maybeSyncLocked(); err != nil {
		return Pointer{}, err
	}

	return NewPointer(uint64(offset), valueLen, uint32(len(data))), nil
}

// AppendBatch writes every entry with a single writer-lock acquisition and a
// single seek-to-end, then always flushes and fsyncs before returning.
// Empty input performs no I/O.
func (s *Store) AppendBatch(entries []Entry) ([]Pointer, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	encoded := make([][]byte, len(entries))
	valueLens := make([]uint32, len(entries))
	for i, e := range entries {
		data, valueLen, err := encode(e, s.compression)
		if err != nil {
			return nil, err
		}
		encoded[i] = data
		valueLens[i] = valueLen
	}

	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	offset, err := s.writer.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("wal: seek to end: %w", err)
	}

	pointers := make([]Pointer, len(entries))
	running := uint64(offset)
	for i, data := range encoded {
		if _, err := s.buffered.Write(data); err != nil {
			return nil, fmt.Errorf("wal: write batch: %w", err)
		}
		pointers[i] = NewPointer(running, valueLens[i], uint32(len(data)))
		running += uint64(len(data))
	}

	if err := s.flushAndSyncLocked(); err != nil {
		return nil, err
	}
	s.lastSync = time.Now()
	return pointers, nil
}

// maybeSyncLocked flushes the buffered writer and, depending on the sync
// policy, fsyncs: always when no interval is configured, otherwise only
// once the interval has elapsed since the last sync.
func (s *Store) maybeSyncLocked() error {
	if s.syncEvery <= 0 {
		if err := s.flushAndSyncLocked(); err != nil {
			return err
		}
		s.lastSync = time.Now()
		return nil
	}

	if time.Since(s.lastSync) >= s.syncEvery {
		if err := s.flushAndSyncLocked(); err != nil {
			return err
		}
		s.lastSync = time.Now()
		return nil
	}

	if err := s.buffered.Flush(); err != nil {
		return fmt.Errorf("wal: flush: %w", err)
	}
	return nil
}

func (s *Store) flushAndSyncLocked() error {
	if err := s.buffered.Flush(); err != nil {
		return fmt.Errorf("wal: flush: %w", err)
	}
	if err := s.writer.Sync(); err != nil {
		return fmt.Errorf("wal: fsync: %w", err)
	}
	return nil
}

// ReadRecord opens an independent read handle, seeks to pointer.Offset, and
// decodes exactly one record.
func (s *Store) ReadRecord(pointer Pointer) (Record, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return Record{}, fmt.Errorf("wal: open for read: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(int64(pointer.Offset), io.SeekStart); err != nil {
		return Record{}, fmt.Errorf("wal: seek: %w", err)
	}
	rec, _, err := readOneRecord(f, s.compression)
	if err != nil {
		if err == io.EOF {
			return Record{}, ErrUnexpectedEOF
		}
		return Record{}, err
	}
	return rec, nil
}

// LoadIndex streams the entire file from offset 0, replaying every record
// into an index map plus a running stale-byte total.
func (s *Store) LoadIndex() (map[string]IndexEntry, uint64, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]IndexEntry{}, 0, nil
		}
		return nil, 0, fmt.Errorf("wal: open for replay: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	index := make(map[string]IndexEntry)
	var offset, stale uint64

	for {
		rec, n, err := readOneRecord(reader, s.compression)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, 0, err
		}

		pointer := NewPointer(offset, rec.ValueLen, rec.RecordLen)
		switch rec.Entry.Op {
		case OpPut:
			prev, existed := index[rec.Entry.Key]
			index[rec.Entry.Key] = IndexEntry{
				Pointer:   pointer,
				ExpiresAt: rec.Entry.ExpiresAt,
				HasExpiry: rec.Entry.HasExpiry,
			}
			if existed {
				stale += uint64(prev.Pointer.RecordLen)
			}
		case OpDelete:
			if prev, existed := index[rec.Entry.Key]; existed {
				stale += uint64(prev.Pointer.RecordLen)
				delete(index, rec.Entry.Key)
			}
		}
		offset += uint64(n)
	}

	return index, stale, nil
}

// Rewrite writes entries sequentially to a temp file and performs the
// atomic rename-swap protocol described in §4.2, returning the rebuilt
// index for the new file.
func (s *Store) Rewrite(entries []LiveEntry) (map[string]IndexEntry, error) {
	sorted := make([]LiveEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	tempPath := s.path + compactSuffix
	backupPath := s.path + backupSuffix

	index, err := s.writeTemp(tempPath, sorted)
	if err != nil {
		return nil, err
	}

	if err := s.swap(tempPath, backupPath); err != nil {
		return nil, err
	}

	return index, nil
}

func (s *Store) writeTemp(tempPath string, sorted []LiveEntry) (map[string]IndexEntry, error) {
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: create compact temp: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	index := make(map[string]IndexEntry, len(sorted))
	var offset uint64

	for _, le := range sorted {
		entry := PutEntry(le.Key, le.Value, le.ExpiresAt, le.HasExpiry)
		data, valueLen, err := encode(entry, s.compression)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("wal: write compact record: %w", err)
		}
		index[le.Key] = IndexEntry{
			Pointer:   NewPointer(offset, valueLen, uint32(len(data))),
			ExpiresAt: le.ExpiresAt,
			HasExpiry: le.HasExpiry,
		}
		offset += uint64(len(data))
	}

	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("wal: flush compact temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("wal: fsync compact temp: %w", err)
	}
	return index, nil
}

// swap performs the rename-swap from §4.2: delete a stale backup, move the
// live log aside, move the temp file into place, and on failure roll the
// backup back.
func (s *Store) swap(tempPath, backupPath string) error {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	if err := s.buffered.Flush(); err != nil {
		return fmt.Errorf("wal: flush before swap: %w", err)
	}
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("wal: close before swap: %w", err)
	}

	if _, err := os.Stat(backupPath); err == nil {
		if err := os.Remove(backupPath); err != nil {
			return fmt.Errorf("wal: remove stale backup: %w", err)
		}
	}

	if err := os.Rename(s.path, backupPath); err != nil {
		return fmt.Errorf("wal: rename log to backup: %w", err)
	}

	if err := os.Rename(tempPath, s.path); err != nil {
		s.log.Error("compaction swap failed, restoring backup", zap.Error(err))
		if rbErr := os.Rename(backupPath, s.path); rbErr != nil {
			return fmt.Errorf("wal: rename temp to log: %w (rollback also failed: %v)", err, rbErr)
		}
		_ = os.Remove(tempPath)
		if reopenErr := s.reopenLocked(); reopenErr != nil {
			return fmt.Errorf("wal: rename temp to log: %w (reopen after rollback failed: %v)", err, reopenErr)
		}
		return fmt.Errorf("wal: rename temp to log: %w", err)
	}

	if err := os.Remove(backupPath); err != nil {
		s.log.Warn("failed to remove compaction backup after successful swap", zap.Error(err))
	}
	if _, err := os.Stat(tempPath); err == nil {
		_ = os.Remove(tempPath)
	}

	return s.reopenLocked()
}

func (s *Store) reopenLocked() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: reopen after swap: %w", err)
	}
	s.writer = f
	s.buffered = bufio.NewWriter(f)
	s.lastSync = time.Now()
	return nil
}

// Close flushes, fsyncs, and closes the underlying file.
func (s *Store) Close() error {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()
	if err := s.flushAndSyncLocked(); err != nil {
		return err
	}
	return s.writer.Close()
}

// readOneRecord decodes a single record from r, returning io.EOF when the
// stream is exhausted exactly at a record boundary, and ErrUnexpectedEOF
// when it ends mid-record.
func readOneRecord(r io.Reader, compression bool) (Record, int, error) {
	header := make([]byte, headerSize)
	_, err := io.ReadFull(r, header)
	if err != nil {
		if err == io.EOF {
			return Record{}, 0, io.EOF
		}
		return Record{}, 0, ErrUnexpectedEOF
	}

	op, keyLen, valueLen, ttlFlag, ttlSecs, err := decodeHeader(header)
	if err != nil {
		return Record{}, 0, err
	}

	body := make([]byte, int(keyLen)+int(valueLen))
	if _, err := io.ReadFull(r, body); err != nil {
		return Record{}, 0, ErrUnexpectedEOF
	}

	recordLen := uint32(headerSize) + keyLen + valueLen
	rec, err := decodeBody(op, body[:keyLen], body[keyLen:], ttlFlag, ttlSecs, recordLen, compression)
	if err != nil {
		return Record{}, 0, err
	}
	return rec, int(recordLen), nil
}
