package wal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_PutRoundTrip(t *testing.T) {
	entry := PutEntry("key", "value", time.Time{}, false)
	data, valueLen, err := encode(entry, false)
	require.NoError(t, err)
	assert.Equal(t, uint32(len("value")), valueLen)

	op, keyLen, vLen, ttlFlag, ttlSecs, err := decodeHeader(data[:headerSize])
	require.NoError(t, err)
	rec, err := decodeBody(op, data[headerSize:headerSize+int(keyLen)], data[headerSize+int(keyLen):headerSize+int(keyLen)+int(vLen)], ttlFlag, ttlSecs, uint32(len(data)), false)
	require.NoError(t, err)
	assert.Equal(t, "key", rec.Entry.Key)
	assert.Equal(t, "value", rec.Entry.Value)
}

func TestEncode_DeleteRejectsPayload(t *testing.T) {
	entry := Entry{Op: OpDelete, Key: "key", Value: "oops"}
	_, _, err := encode(entry, false)
	assert.ErrorIs(t, err, ErrDeletePayload)
}

func TestEncode_TTLOverflowRejected(t *testing.T) {
	entry := PutEntry("key", "value", time.Unix(-1, 0), true)
	_, _, err := encode(entry, false)
	assert.ErrorIs(t, err, ErrTTLOverflow)
}

func TestDecodeHeader_UnknownOpcode(t *testing.T) {
	header := make([]byte, headerSize)
	header[0] = 0xFF
	_, _, _, _, _, err := decodeHeader(header)
	assert.ErrorIs(t, err, ErrUnknownOpcode)
}

func TestDecodeBody_InvalidUTF8Key(t *testing.T) {
	badKey := []byte{0xff, 0xfe}
	_, err := decodeBody(OpPut, badKey, []byte("v"), 0, 0, uint32(headerSize+len(badKey)+1), false)
	assert.ErrorIs(t, err, ErrInvalidUTF8)
}

func TestEncode_CompressionRoundTrip(t *testing.T) {
	entry := PutEntry("key", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", time.Time{}, false)
	data, valueLen, err := encode(entry, true)
	require.NoError(t, err)
	assert.Less(t, valueLen, uint32(len(entry.Value)))

	op, keyLen, vLen, ttlFlag, ttlSecs, err := decodeHeader(data[:headerSize])
	require.NoError(t, err)
	rec, err := decodeBody(op, data[headerSize:headerSize+int(keyLen)], data[headerSize+int(keyLen):headerSize+int(keyLen)+int(vLen)], ttlFlag, ttlSecs, uint32(len(data)), true)
	require.NoError(t, err)
	assert.Equal(t, entry.Value, rec.Entry.Value)
}
