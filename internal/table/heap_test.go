package table

import (
	"bytes"
	"testing"

	"github.com/dsnet/golib/memfile"
	"github.com/stretchr/testify/require"

	"github.com/tuannm99/petradb/internal/buffer"
	"github.com/tuannm99/petradb/internal/storage"
	"github.com/tuannm99/petradb/internal/txn"
)

type heapFixture struct {
	pool    *buffer.Pool
	lockMgr *txn.LockManager
	txnMgr  *txn.Manager
	heap    *Heap
}

// newHeapFixture wires a heap with locking but no logging.
func newHeapFixture(t *testing.T) *heapFixture {
	t.Helper()
	dm := storage.NewDiskManagerWithFiles(memfile.New(nil), memfile.New(nil))
	pool := buffer.NewPool(16, 4, dm, nil)
	lockMgr := txn.NewLockManager(false, 4)
	txnMgr := txn.NewManager(lockMgr, nil)

	t0 := txnMgr.Begin()
	h, err := NewHeap(pool, lockMgr, nil, t0)
	require.NoError(t, err)
	txnMgr.Commit(t0)

	return &heapFixture{pool: pool, lockMgr: lockMgr, txnMgr: txnMgr, heap: h}
}

func TestHeap_InsertAndGet(t *testing.T) {
	f := newHeapFixture(t)
	tx := f.txnMgr.Begin()

	rid, err := f.heap.InsertTuple([]byte("hello"), tx)
	require.NoError(t, err)
	require.Contains(t, tx.ExclusiveLocks(), rid)

	got, err := f.heap.GetTuple(rid, tx)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)

	f.txnMgr.Commit(tx)
	require.Empty(t, tx.ExclusiveLocks(), "commit releases locks")
}

func TestHeap_InsertSpillsToNewPage(t *testing.T) {
	f := newHeapFixture(t)
	tx := f.txnMgr.Begin()

	// Each tuple ~1KiB: a few per page, so 20 inserts span several pages.
	tuple := bytes.Repeat([]byte{'x'}, 1000)
	rids := make([]storage.RID, 0, 20)
	pages := map[uint32]struct{}{}
	for i := 0; i < 20; i++ {
		rid, err := f.heap.InsertTuple(tuple, tx)
		require.NoError(t, err)
		rids = append(rids, rid)
		pages[rid.PageID] = struct{}{}
	}
	require.Greater(t, len(pages), 1, "inserts must spill into new pages")

	for _, rid := range rids {
		got, err := f.heap.GetTuple(rid, tx)
		require.NoError(t, err)
		require.Equal(t, tuple, got)
	}
	f.txnMgr.Commit(tx)
}

func TestHeap_CommitAppliesMarkDelete(t *testing.T) {
	f := newHeapFixture(t)

	tx := f.txnMgr.Begin()
	rid, err := f.heap.InsertTuple([]byte("to-delete"), tx)
	require.NoError(t, err)
	f.txnMgr.Commit(tx)

	tx2 := f.txnMgr.Begin()
	require.NoError(t, f.heap.MarkDelete(rid, tx2))

	// Marked but not yet applied: invisible already.
	_, err = f.heap.GetTuple(rid, tx2)
	require.ErrorIs(t, err, txn.ErrTupleNotFound)

	f.txnMgr.Commit(tx2)

	tx3 := f.txnMgr.Begin()
	_, err = f.heap.GetTuple(rid, tx3)
	require.ErrorIs(t, err, txn.ErrTupleNotFound)
	f.txnMgr.Commit(tx3)
}

func TestHeap_AbortRollsBackInsert(t *testing.T) {
	f := newHeapFixture(t)

	tx := f.txnMgr.Begin()
	rid, err := f.heap.InsertTuple([]byte("phantom"), tx)
	require.NoError(t, err)
	f.txnMgr.Abort(tx)

	tx2 := f.txnMgr.Begin()
	_, err = f.heap.GetTuple(rid, tx2)
	require.ErrorIs(t, err, txn.ErrTupleNotFound)
	f.txnMgr.Commit(tx2)
}

func TestHeap_AbortRollsBackMarkDelete(t *testing.T) {
	f := newHeapFixture(t)

	tx := f.txnMgr.Begin()
	rid, err := f.heap.InsertTuple([]byte("survivor"), tx)
	require.NoError(t, err)
	f.txnMgr.Commit(tx)

	tx2 := f.txnMgr.Begin()
	require.NoError(t, f.heap.MarkDelete(rid, tx2))
	f.txnMgr.Abort(tx2)

	tx3 := f.txnMgr.Begin()
	got, err := f.heap.GetTuple(rid, tx3)
	require.NoError(t, err)
	require.Equal(t, []byte("survivor"), got)
	f.txnMgr.Commit(tx3)
}

func TestHeap_AbortRollsBackUpdate(t *testing.T) {
	f := newHeapFixture(t)

	tx := f.txnMgr.Begin()
	rid, err := f.heap.InsertTuple([]byte("before"), tx)
	require.NoError(t, err)
	f.txnMgr.Commit(tx)

	tx2 := f.txnMgr.Begin()
	ok, err := f.heap.UpdateTuple([]byte("after!"), rid, tx2)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := f.heap.GetTuple(rid, tx2)
	require.NoError(t, err)
	require.Equal(t, []byte("after!"), got)

	f.txnMgr.Abort(tx2)

	tx3 := f.txnMgr.Begin()
	got, err = f.heap.GetTuple(rid, tx3)
	require.NoError(t, err)
	require.Equal(t, []byte("before"), got)
	f.txnMgr.Commit(tx3)
}

func TestHeap_UpdateUpgradesSharedLock(t *testing.T) {
	f := newHeapFixture(t)

	tx := f.txnMgr.Begin()
	rid, err := f.heap.InsertTuple([]byte("v1"), tx)
	require.NoError(t, err)
	f.txnMgr.Commit(tx)

	tx2 := f.txnMgr.Begin()
	_, err = f.heap.GetTuple(rid, tx2) // takes a shared lock
	require.NoError(t, err)
	require.Contains(t, tx2.SharedLocks(), rid)

	ok, err := f.heap.UpdateTuple([]byte("v2"), rid, tx2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, tx2.ExclusiveLocks(), rid)
	require.NotContains(t, tx2.SharedLocks(), rid)
	f.txnMgr.Commit(tx2)
}

func TestHeap_WriteBlockedForYoungerTxn(t *testing.T) {
	f := newHeapFixture(t)

	older := f.txnMgr.Begin() // id N
	rid, err := f.heap.InsertTuple([]byte("contended"), older)
	require.NoError(t, err)

	// A younger transaction touching the exclusively-locked tuple dies.
	younger := f.txnMgr.Begin()
	_, err = f.heap.GetTuple(rid, younger)
	require.ErrorIs(t, err, txn.ErrTxnAborted)
	require.Equal(t, txn.Aborted, younger.State())
	f.txnMgr.Abort(younger)

	f.txnMgr.Commit(older)
}
