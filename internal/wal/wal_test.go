package wal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openStore(t *testing.T, compression bool) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wal.log")
	s, err := Open(path, 0, compression, zap.NewNop())
	require.NoError(t, err)
	return s, path
}

func TestStore_OpenAndClose(t *testing.T) {
	s, _ := openStore(t, false)
	require.NotNil(t, s)
	require.NoError(t, s.Close())
}

func TestStore_AppendAndReadRecord(t *testing.T) {
	s, _ := openStore(t, false)
	defer s.Close()

	pointer, err := s.Append(PutEntry("foo", "bar", time.Time{}, false))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), pointer.Offset)

	rec, err := s.ReadRecord(pointer)
	require.NoError(t, err)
	assert.Equal(t, "foo", rec.Entry.Key)
	assert.Equal(t, "bar", rec.Entry.Value)
	assert.False(t, rec.Entry.HasExpiry)
}

func TestStore_AppendWithTTL(t *testing.T) {
	s, _ := openStore(t, false)
	defer s.Close()

	expiresAt := time.Now().Add(time.Hour).Truncate(time.Second)
	pointer, err := s.Append(PutEntry("foo", "bar", expiresAt, true))
	require.NoError(t, err)

	rec, err := s.ReadRecord(pointer)
	require.NoError(t, err)
	assert.True(t, rec.Entry.HasExpiry)
	assert.Equal(t, expiresAt.Unix(), rec.Entry.ExpiresAt.Unix())
}

func TestStore_AppendCompressed(t *testing.T) {
	s, _ := openStore(t, true)
	defer s.Close()

	value := ""
	for i := 0; i < 1000; i++ {
		value += "aaaaaaaaaa"
	}
	pointer, err := s.Append(PutEntry("big", value, time.Time{}, false))
	require.NoError(t, err)
	assert.Less(t, uint64(pointer.RecordLen), uint64(len(value)))

	rec, err := s.ReadRecord(pointer)
	require.NoError(t, err)
	assert.Equal(t, value, rec.Entry.Value)
}

func TestStore_AppendBatch(t *testing.T) {
	s, _ := openStore(t, false)
	defer s.Close()

	entries := []Entry{
		PutEntry("a", "1", time.Time{}, false),
		PutEntry("b", "2", time.Time{}, false),
		DeleteEntry("a"),
	}
	pointers, err := s.AppendBatch(entries)
	require.NoError(t, err)
	require.Len(t, pointers, 3)

	index, stale, err := s.LoadIndex()
	require.NoError(t, err)
	_, exists := index["a"]
	assert.False(t, exists)
	assert.Equal(t, "2", mustRead(t, s, index["b"]))
	assert.Greater(t, stale, uint64(0))
}

func mustRead(t *testing.T, s *Store, entry IndexEntry) string {
	t.Helper()
	rec, err := s.ReadRecord(entry.Pointer)
	require.NoError(t, err)
	return rec.Entry.Value
}

func TestStore_LoadIndexAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")

	s, err := Open(path, 0, false, zap.NewNop())
	require.NoError(t, err)
	_, err = s.Append(PutEntry("foo", "bar", time.Time{}, false))
	require.NoError(t, err)
	_, err = s.Append(PutEntry("foo", "baz", time.Time{}, false))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(path, 0, false, zap.NewNop())
	require.NoError(t, err)
	defer s2.Close()

	index, stale, err := s2.LoadIndex()
	require.NoError(t, err)
	assert.Equal(t, "baz", mustRead(t, s2, index["foo"]))
	assert.Greater(t, stale, uint64(0))
}

func TestStore_PartialRecordAtEOF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	s, err := Open(path, 0, false, zap.NewNop())
	require.NoError(t, err)
	_, err = s.Append(PutEntry("foo", "bar", time.Time{}, false))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x01, 0x02, 0x03})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2, err := Open(path, 0, false, zap.NewNop())
	require.NoError(t, err)
	defer s2.Close()

	_, _, err = s2.LoadIndex()
	assert.ErrorIs(t, err, ErrUnexpectedEOF)
}

func TestStore_RewriteDropsStaleRecords(t *testing.T) {
	s, path := openStore(t, false)
	defer s.Close()

	_, err := s.Append(PutEntry("a", "1", time.Time{}, false))
	require.NoError(t, err)
	_, err = s.Append(PutEntry("a", "2", time.Time{}, false))
	require.NoError(t, err)
	_, err = s.Append(PutEntry("b", "3", time.Time{}, false))
	require.NoError(t, err)

	sizeBefore, err := s.Size()
	require.NoError(t, err)

	rebuilt, err := s.Rewrite([]LiveEntry{
		{Key: "a", Value: "2"},
		{Key: "b", Value: "3"},
	})
	require.NoError(t, err)
	require.Len(t, rebuilt, 2)

	sizeAfter, err := s.Size()
	require.NoError(t, err)
	assert.Less(t, sizeAfter, sizeBefore)

	_, err = os.Stat(path + backupSuffix)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path + compactSuffix)
	assert.True(t, os.IsNotExist(err))

	assert.Equal(t, "2", mustRead(t, s, rebuilt["a"]))
}

func TestStore_RecoversInterruptedRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	s, err := Open(path, 0, false, zap.NewNop())
	require.NoError(t, err)
	_, err = s.Append(PutEntry("a", "1", time.Time{}, false))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	require.NoError(t, os.Rename(path, path+backupSuffix))

	s2, err := Open(path, 0, false, zap.NewNop())
	require.NoError(t, err)
	defer s2.Close()

	index, _, err := s2.LoadIndex()
	require.NoError(t, err)
	assert.Equal(t, "1", mustRead(t, s2, index["a"]))
}

func TestStore_SizeOnMissingFile(t *testing.T) {
	s, path := openStore(t, false)
	s.Close()
	require.NoError(t, os.Remove(path))

	size, err := s.Size()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), size)
}
