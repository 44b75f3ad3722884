package wal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/petradb/internal/storage"
)

func TestRecord_InsertEncodeDecode(t *testing.T) {
	rid := storage.RID{PageID: 3, Slot: 7}
	rec := NewInsertRecord(5, 11, rid, []byte("tuple-bytes"))
	rec.LSN = 42

	buf := make([]byte, rec.Size)
	rec.Encode(buf)

	got, ok := Decode(buf)
	require.True(t, ok)
	require.Equal(t, TypeInsert, got.Type)
	require.Equal(t, int64(42), got.LSN)
	require.Equal(t, int32(5), got.TxnID)
	require.Equal(t, int64(11), got.PrevLSN)
	require.Equal(t, rid, got.RID)
	require.Equal(t, []byte("tuple-bytes"), got.Tuple)
}

func TestRecord_UpdateCarriesBothImages(t *testing.T) {
	rec := NewUpdateRecord(1, storage.InvalidLSN,
		storage.RID{PageID: 1, Slot: 0}, []byte("old"), []byte("newer"))
	rec.LSN = 1

	buf := make([]byte, rec.Size)
	rec.Encode(buf)

	got, ok := Decode(buf)
	require.True(t, ok)
	require.Equal(t, []byte("old"), got.OldTuple)
	require.Equal(t, []byte("newer"), got.NewTuple)
}

func TestRecord_NewPageCarriesAllocatedID(t *testing.T) {
	rec := NewNewPageRecord(2, 5, storage.InvalidPageID, 9)
	rec.LSN = 6

	buf := make([]byte, rec.Size)
	rec.Encode(buf)

	got, ok := Decode(buf)
	require.True(t, ok)
	require.Equal(t, storage.InvalidPageID, got.PrevPageID)
	require.Equal(t, uint32(9), got.PageID)
}

func TestRecord_DecodeRejectsTruncation(t *testing.T) {
	rec := NewInsertRecord(1, storage.InvalidLSN, storage.RID{PageID: 1}, []byte("abcdef"))
	rec.LSN = 1
	buf := make([]byte, rec.Size)
	rec.Encode(buf)

	_, ok := Decode(buf[:HeaderSize-1])
	require.False(t, ok, "truncated header")
	_, ok = Decode(buf[:rec.Size-2])
	require.False(t, ok, "truncated payload")

	// A size field pointing past the buffer is a torn record.
	_, ok = Decode(buf[:HeaderSize])
	require.False(t, ok)
}

func TestRecord_DecodeRejectsBadType(t *testing.T) {
	rec := NewBeginRecord(1, storage.InvalidLSN)
	rec.LSN = 1
	buf := make([]byte, rec.Size)
	rec.Encode(buf)
	buf[24] = 0xEE // clobber the type field

	_, ok := Decode(buf)
	require.False(t, ok)
}
