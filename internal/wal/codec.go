package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/golang/snappy"
)

// Operation types for WAL records.
const (
	OpPut    byte = 0x01
	OpDelete byte = 0x02
)

// Header size: op (1) + key_len (4) + value_len (4) + ttl_flag (1) + ttl_secs (8) = 18 bytes.
const headerSize = 18

var (
	// ErrUnknownOpcode indicates a byte other than OpPut/OpDelete in the header.
	ErrUnknownOpcode = errors.New("wal: unknown WAL opcode")
	// ErrInvalidUTF8 indicates a key or value that does not decode as UTF-8.
	ErrInvalidUTF8 = errors.New("wal: invalid UTF-8 in record")
	// ErrDeletePayload indicates a Delete record whose value_len is non-zero.
	ErrDeletePayload = errors.New("wal: delete record carries unexpected payload")
	// ErrTTLOverflow indicates ttl_secs does not fit a representable instant.
	ErrTTLOverflow = errors.New("wal: ttl overflow")
	// ErrUnexpectedEOF indicates the stream ended before a full header/body was read.
	ErrUnexpectedEOF = errors.New("wal: unexpected EOF reading record")
)

// Entry is the logical record a caller wants appended: either a Put of a
// key to a value with an optional absolute expiry, or a Delete of a key.
type Entry struct {
	Op        byte
	Key       string
	Value     string
	ExpiresAt time.Time
	HasExpiry bool
}

// PutEntry builds a Put entry.
func PutEntry(key, value string, expiresAt time.Time, hasExpiry bool) Entry {
	return Entry{Op: OpPut, Key: key, Value: value, ExpiresAt: expiresAt, HasExpiry: hasExpiry}
}

// DeleteEntry builds a Delete entry.
func DeleteEntry(key string) Entry {
	return Entry{Op: OpDelete, Key: key}
}

// Record is a decoded WAL record plus the bookkeeping describing its shape
// on disk (value_len reflects the on-disk, possibly compressed, length).
type Record struct {
	Entry     Entry
	ValueLen  uint32
	RecordLen uint32
}

// encode renders entry into its on-disk byte layout. When compression is
// true, a Put's value payload is Snappy-compressed before the length and
// body are written; the compression flag is not itself stored in the
// record — it is a property of the engine, not the log (see SPEC_FULL.md).
func encode(entry Entry, compression bool) ([]byte, uint32, error) {
	key := []byte(entry.Key)
	var value []byte
	if entry.Op == OpPut {
		value = []byte(entry.Value)
		if compression {
			value = snappy.Encode(nil, value)
		}
	} else if entry.Value != "" {
		return nil, 0, ErrDeletePayload
	}

	if len(key) > math.MaxUint32 || len(value) > math.MaxUint32 {
		return nil, 0, fmt.Errorf("wal: record exceeds maximum length")
	}

	ttlSecs := uint64(0)
	ttlFlag := byte(0)
	if entry.Op == OpPut && entry.HasExpiry {
		secs := entry.ExpiresAt.Unix()
		if secs < 0 {
			return nil, 0, ErrTTLOverflow
		}
		ttlFlag = 1
		ttlSecs = uint64(secs)
	}

	total := headerSize + len(key) + len(value)
	buf := make([]byte, total)
	buf[0] = entry.Op
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(key)))
	binary.LittleEndian.PutUint32(buf[5:9], uint32(len(value)))
	buf[9] = ttlFlag
	binary.LittleEndian.PutUint64(buf[10:18], ttlSecs)
	copy(buf[18:18+len(key)], key)
	copy(buf[18+len(key):], value)
	return buf, uint32(len(value)), nil
}

// decodeHeader parses the fixed 18-byte header.
func decodeHeader(header []byte) (op byte, keyLen, valueLen uint32, ttlFlag byte, ttlSecs uint64, err error) {
	op = header[0]
	if op != OpPut && op != OpDelete {
		return 0, 0, 0, 0, 0, ErrUnknownOpcode
	}
	keyLen = binary.LittleEndian.Uint32(header[1:5])
	valueLen = binary.LittleEndian.Uint32(header[5:9])
	ttlFlag = header[9]
	ttlSecs = binary.LittleEndian.Uint64(header[10:18])
	return op, keyLen, valueLen, ttlFlag, ttlSecs, nil
}

// decodeBody interprets the key/value bytes following the header into a
// Record, honouring the compression flag when decoding a Put's value.
func decodeBody(op byte, keyBytes, valueBytes []byte, ttlFlag byte, ttlSecs uint64, recordLen uint32, compression bool) (Record, error) {
	if !utf8.Valid(keyBytes) {
		return Record{}, ErrInvalidUTF8
	}
	key := string(keyBytes)

	entry := Entry{Op: op, Key: key}

	if op == OpDelete {
		if len(valueBytes) != 0 {
			return Record{}, ErrDeletePayload
		}
	} else {
		raw := valueBytes
		if compression && len(raw) > 0 {
			decoded, err := snappy.Decode(nil, raw)
			if err != nil {
				return Record{}, fmt.Errorf("wal: snappy decode: %w", err)
			}
			raw = decoded
		}
		if !utf8.Valid(raw) {
			return Record{}, ErrInvalidUTF8
		}
		entry.Value = string(raw)

		if ttlFlag == 1 {
			if ttlSecs > math.MaxInt64 {
				return Record{}, ErrTTLOverflow
			}
			entry.HasExpiry = true
			entry.ExpiresAt = time.Unix(int64(ttlSecs), 0)
		}
	}

	return Record{
		Entry:     entry,
		ValueLen:  uint32(len(valueBytes)),
		RecordLen: recordLen,
	}, nil
}
