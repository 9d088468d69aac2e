package wal

import "fmt"

// Pointer names a single record inside the log: where it starts, how long
// its value payload is, and the record's total on-disk size. offset +
// record_len is the byte just past the record.
type Pointer struct {
	Offset    uint64
	ValueLen  uint32
	RecordLen uint32
}

// NewPointer builds a Pointer describing a record written to the log.
func NewPointer(offset uint64, valueLen, recordLen uint32) Pointer {
	return Pointer{Offset: offset, ValueLen: valueLen, RecordLen: recordLen}
}

func (p Pointer) String() string {
	return fmt.Sprintf("offset=%d, value_len=%d, record_len=%d", p.Offset, p.ValueLen, p.RecordLen)
}
