package storage

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderPage_Records(t *testing.T) {
	h := AsHeaderPage(NewPage())
	h.Init()
	require.Zero(t, h.RecordCount())

	require.NoError(t, h.InsertRecord("orders_pk", 7))
	require.NoError(t, h.InsertRecord("users_pk", 12))
	require.Equal(t, 2, h.RecordCount())

	root, ok := h.GetRootID("orders_pk")
	require.True(t, ok)
	require.Equal(t, uint32(7), root)

	require.ErrorIs(t, h.InsertRecord("orders_pk", 99), ErrDuplicateName)

	require.True(t, h.UpdateRecord("orders_pk", 21))
	root, ok = h.GetRootID("orders_pk")
	require.True(t, ok)
	require.Equal(t, uint32(21), root)

	require.False(t, h.UpdateRecord("missing", 1))
	_, ok = h.GetRootID("missing")
	require.False(t, ok)
}

func TestHeaderPage_Delete(t *testing.T) {
	h := AsHeaderPage(NewPage())
	h.Init()

	require.NoError(t, h.InsertRecord("a", 1))
	require.NoError(t, h.InsertRecord("b", 2))
	require.NoError(t, h.InsertRecord("c", 3))

	require.True(t, h.DeleteRecord("b"))
	require.False(t, h.DeleteRecord("b"))
	require.Equal(t, 2, h.RecordCount())

	root, ok := h.GetRootID("c")
	require.True(t, ok)
	require.Equal(t, uint32(3), root)
}

func TestHeaderPage_NameTooLong(t *testing.T) {
	h := AsHeaderPage(NewPage())
	h.Init()
	long := make([]byte, MaxNameLength+1)
	for i := range long {
		long[i] = 'x'
	}
	require.ErrorIs(t, h.InsertRecord(string(long), 1), ErrNameTooLong)
}

func TestHeaderPage_Full(t *testing.T) {
	h := AsHeaderPage(NewPage())
	h.Init()
	for i := 0; i < maxHeaderRecords; i++ {
		require.NoError(t, h.InsertRecord(fmt.Sprintf("idx_%d", i), uint32(i)))
	}
	require.ErrorIs(t, h.InsertRecord("one_more", 1), ErrHeaderFull)
}
