package wal

import (
	"testing"
	"time"

	"github.com/dsnet/golib/memfile"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/require"

	"github.com/tuannm99/petradb/internal/storage"
)

func newTestManager(t *testing.T, bufSize int, timeout time.Duration) (*Manager, *storage.DiskManager) {
	t.Helper()
	dm := storage.NewDiskManagerWithFiles(memfile.New(nil), memfile.New(nil))
	m := NewManager(dm, bufSize, timeout)
	m.RunFlusher()
	t.Cleanup(m.StopFlusher)
	return m, dm
}

func TestManager_AppendAssignsMonotonicLSNs(t *testing.T) {
	m, _ := newTestManager(t, 0, time.Hour)

	var last int64
	for i := 0; i < 10; i++ {
		rec := NewBeginRecord(int32(i), storage.InvalidLSN)
		lsn, err := m.Append(&rec)
		require.NoError(t, err)
		if i > 0 {
			require.Equal(t, last+1, lsn)
		}
		last = lsn
	}
}

func TestManager_ForceMakesDurable(t *testing.T) {
	m, dm := newTestManager(t, 0, time.Hour)

	rec := NewInsertRecord(0, storage.InvalidLSN, storage.RID{PageID: 1, Slot: 2}, []byte("x"))
	lsn, err := m.Append(&rec)
	require.NoError(t, err)
	require.Less(t, m.PersistentLSN(), lsn, "append must not wait for durability")

	m.Force()
	require.GreaterOrEqual(t, m.PersistentLSN(), lsn)
	require.Greater(t, dm.LogSize(), int64(0))

	// The record on disk decodes back intact.
	buf := make([]byte, DefaultBufferSize)
	n, err := dm.ReadLog(buf, 0)
	require.NoError(t, err)
	got, ok := Decode(buf[:n])
	require.True(t, ok)
	require.Equal(t, lsn, got.LSN)
	require.Equal(t, []byte("x"), got.Tuple)
}

func TestManager_BufferOverflowTriggersSwap(t *testing.T) {
	// Buffer fits only a couple of records; producers must swap and kick
	// the flusher rather than block forever.
	m, dm := newTestManager(t, 128, time.Hour)

	var lsns []int64
	for i := 0; i < 20; i++ {
		rec := NewInsertRecord(0, storage.InvalidLSN,
			storage.RID{PageID: 1, Slot: uint32(i)}, []byte("payload"))
		lsn, err := m.Append(&rec)
		require.NoError(t, err)
		lsns = append(lsns, lsn)
	}
	m.Force()
	require.GreaterOrEqual(t, m.PersistentLSN(), lsns[len(lsns)-1])

	// Every record made it to disk in order.
	buf := make([]byte, 4096)
	var offset int64
	var seen []int64
	for {
		n, err := dm.ReadLog(buf, offset)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		pos := 0
		for {
			rec, ok := Decode(buf[pos:n])
			if !ok {
				break
			}
			seen = append(seen, rec.LSN)
			pos += int(rec.Size)
		}
		require.Positive(t, pos)
		offset += int64(pos)
	}
	require.Equal(t, lsns, seen)
}

func TestManager_TimeoutFlushes(t *testing.T) {
	m, _ := newTestManager(t, 0, 10*time.Millisecond)

	rec := NewBeginRecord(0, storage.InvalidLSN)
	lsn, err := m.Append(&rec)
	require.NoError(t, err)

	m.WaitPersistent(lsn)
	require.GreaterOrEqual(t, m.PersistentLSN(), lsn)
}

func TestManager_RecordTooLarge(t *testing.T) {
	m, _ := newTestManager(t, 64, time.Hour)
	rec := NewInsertRecord(0, storage.InvalidLSN, storage.RID{}, make([]byte, 1024))
	_, err := m.Append(&rec)
	require.ErrorIs(t, err, ErrRecordTooLarge)
}

func TestManager_GroupCommitConcurrentAppenders(t *testing.T) {
	m, _ := newTestManager(t, 0, 5*time.Millisecond)

	var wg conc.WaitGroup
	for g := 0; g < 8; g++ {
		g := g
		wg.Go(func() {
			for i := 0; i < 50; i++ {
				rec := NewInsertRecord(int32(g), storage.InvalidLSN,
					storage.RID{PageID: uint32(g), Slot: uint32(i)}, []byte("t"))
				lsn, err := m.Append(&rec)
				require.NoError(t, err)
				m.WaitPersistent(lsn)
			}
		})
	}
	wg.Wait()
}

func TestManager_ResumesAfterReopen(t *testing.T) {
	dm := storage.NewDiskManagerWithFiles(memfile.New(nil), memfile.New(nil))

	m := NewManager(dm, 0, time.Hour)
	m.RunFlusher()
	rec := NewBeginRecord(0, storage.InvalidLSN)
	lsn1, err := m.Append(&rec)
	require.NoError(t, err)
	m.Force()
	m.StopFlusher()

	// A new manager over the same file continues the LSN sequence and
	// reports everything on disk as persistent.
	m2 := NewManager(dm, 0, time.Hour)
	require.Equal(t, lsn1, m2.PersistentLSN())
	m2.RunFlusher()
	defer m2.StopFlusher()

	rec2 := NewCommitRecord(0, lsn1)
	lsn2, err := m2.Append(&rec2)
	require.NoError(t, err)
	require.Equal(t, lsn1+1, lsn2)
}
