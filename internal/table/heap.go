package table

import (
	"fmt"

	"github.com/tuannm99/petradb/internal/buffer"
	"github.com/tuannm99/petradb/internal/storage"
	"github.com/tuannm99/petradb/internal/txn"
	"github.com/tuannm99/petradb/internal/wal"
)

// Heap is a linked chain of table pages. Mutations take tuple locks, journal
// a log record, stamp the page LSN and register undo information on the
// transaction; reads take shared locks. Forward operations happen only while
// the transaction is GROWING; commit and abort drive the same methods with
// the transaction in a terminal state, which suppresses locking and write-set
// registration; the operations they perform are still journalled.
type Heap struct {
	bp      *buffer.Pool
	lockMgr *txn.LockManager // nil when the heap is used without 2PL
	logMgr  *wal.Manager     // nil when logging is disabled

	firstPageID uint32
}

var _ txn.UndoTarget = (*Heap)(nil)

// NewHeap creates the heap's first page, journalling NEWPAGE under t.
func NewHeap(bp *buffer.Pool, lockMgr *txn.LockManager, logMgr *wal.Manager, t *txn.Transaction) (*Heap, error) {
	h := &Heap{bp: bp, lockMgr: lockMgr, logMgr: logMgr}
	p, err := bp.NewPage()
	if err != nil {
		return nil, fmt.Errorf("table: create heap: %w", err)
	}
	h.firstPageID = p.ID()

	p.WLatch()
	tp := AsTablePage(p)
	tp.Init(p.ID(), storage.InvalidPageID)
	h.logNewPage(t, tp, storage.InvalidPageID)
	p.WUnlatch()
	bp.UnpinPage(p.ID(), true)
	return h, nil
}

// OpenHeap attaches to an existing chain headed by firstPageID.
func OpenHeap(bp *buffer.Pool, lockMgr *txn.LockManager, logMgr *wal.Manager, firstPageID uint32) *Heap {
	return &Heap{bp: bp, lockMgr: lockMgr, logMgr: logMgr, firstPageID: firstPageID}
}

// FirstPageID heads the page chain; callers persist it (header page) to
// reopen the heap.
func (h *Heap) FirstPageID() uint32 {
	return h.firstPageID
}

func (h *Heap) logNewPage(t *txn.Transaction, tp TablePage, prevPageID uint32) {
	if h.logMgr == nil || t == nil {
		return
	}
	rec := wal.NewNewPageRecord(t.ID(), t.PrevLSN(), prevPageID, tp.PayloadID())
	lsn, err := h.logMgr.Append(&rec)
	if err != nil {
		return
	}
	t.SetPrevLSN(lsn)
	tp.SetLSN(lsn)
}

func (h *Heap) logOp(t *txn.Transaction, tp TablePage, rec wal.Record) {
	if h.logMgr == nil || t == nil {
		return
	}
	lsn, err := h.logMgr.Append(&rec)
	if err != nil {
		return
	}
	t.SetPrevLSN(lsn)
	tp.SetLSN(lsn)
}

// InsertTuple places the tuple on the first page of the chain with room,
// growing the chain when every page is full, and returns the new RID. The
// transaction ends up holding an exclusive lock on it.
func (h *Heap) InsertTuple(tuple []byte, t *txn.Transaction) (storage.RID, error) {
	pageID := h.firstPageID
	for {
		p, err := h.bp.FetchPage(pageID)
		if err != nil {
			return storage.RID{}, err
		}
		p.WLatch()
		tp := AsTablePage(p)

		slot, insErr := tp.InsertTuple(tuple)
		if insErr == nil {
			rid := storage.RID{PageID: pageID, Slot: uint32(slot)}
			if h.lockMgr != nil && t != nil && t.State() == txn.Growing {
				// Lock the fresh RID before publishing the write.
				// No other transaction can hold it, so this never
				// blocks.
				if !h.lockMgr.LockExclusive(t, rid) {
					tp.ApplyDelete(slot)
					p.WUnlatch()
					h.bp.UnpinPage(pageID, true)
					return storage.RID{}, txn.ErrTxnAborted
				}
			}
			h.logOp(t, tp, wal.NewInsertRecord(h.txnID(t), h.prevLSN(t), rid, tuple))
			if t != nil && t.State() == txn.Growing {
				t.AddWrite(txn.WriteRecord{RID: rid, Type: txn.WriteInsert, Target: h})
			}
			p.WUnlatch()
			h.bp.UnpinPage(pageID, true)
			return rid, nil
		}
		if insErr == ErrTupleTooLarge {
			p.WUnlatch()
			h.bp.UnpinPage(pageID, false)
			return storage.RID{}, insErr
		}

		next := tp.NextPageID()
		if next != storage.InvalidPageID {
			p.WUnlatch()
			h.bp.UnpinPage(pageID, false)
			pageID = next
			continue
		}

		// End of chain: extend it while still holding the tail latch so
		// two inserters cannot both append.
		np, err := h.bp.NewPage()
		if err != nil {
			p.WUnlatch()
			h.bp.UnpinPage(pageID, false)
			return storage.RID{}, err
		}
		np.WLatch()
		ntp := AsTablePage(np)
		ntp.Init(np.ID(), pageID)
		tp.SetNextPageID(np.ID())
		h.logNewPage(t, ntp, pageID)
		p.WUnlatch()
		h.bp.UnpinPage(pageID, true)
		np.WUnlatch()
		h.bp.UnpinPage(np.ID(), true)
		pageID = np.ID()
	}
}

func (h *Heap) txnID(t *txn.Transaction) int32 {
	if t == nil {
		return -1
	}
	return t.ID()
}

func (h *Heap) prevLSN(t *txn.Transaction) int64 {
	if t == nil {
		return storage.InvalidLSN
	}
	return t.PrevLSN()
}

// GetTuple reads the tuple at rid under a shared lock.
func (h *Heap) GetTuple(rid storage.RID, t *txn.Transaction) ([]byte, error) {
	if h.lockMgr != nil && t != nil && t.State() == txn.Growing && !t.HoldsLock(rid) {
		if !h.lockMgr.LockShared(t, rid) {
			return nil, txn.ErrTxnAborted
		}
	}
	p, err := h.bp.FetchPage(rid.PageID)
	if err != nil {
		return nil, err
	}
	p.RLatch()
	tup, ok := AsTablePage(p).GetTuple(int(rid.Slot))
	p.RUnlatch()
	h.bp.UnpinPage(rid.PageID, false)
	if !ok {
		return nil, txn.ErrTupleNotFound
	}
	return tup, nil
}

// lockForWrite takes (or upgrades to) an exclusive lock on rid for forward
// operations.
func (h *Heap) lockForWrite(rid storage.RID, t *txn.Transaction) bool {
	if h.lockMgr == nil || t == nil || t.State() != txn.Growing {
		return true
	}
	if _, ok := t.ExclusiveLocks()[rid]; ok {
		return true
	}
	if _, ok := t.SharedLocks()[rid]; ok {
		return h.lockMgr.LockUpgrade(t, rid)
	}
	return h.lockMgr.LockExclusive(t, rid)
}

// MarkDelete flags the tuple at rid for deletion; the physical delete runs at
// commit.
func (h *Heap) MarkDelete(rid storage.RID, t *txn.Transaction) error {
	if !h.lockForWrite(rid, t) {
		return txn.ErrTxnAborted
	}
	p, err := h.bp.FetchPage(rid.PageID)
	if err != nil {
		return err
	}
	p.WLatch()
	tp := AsTablePage(p)
	tuple, ok := tp.GetTuple(int(rid.Slot))
	if !ok || !tp.MarkDelete(int(rid.Slot)) {
		p.WUnlatch()
		h.bp.UnpinPage(rid.PageID, false)
		return txn.ErrTupleNotFound
	}
	h.logOp(t, tp, wal.NewDeleteRecord(h.txnID(t), h.prevLSN(t), wal.TypeMarkDelete, rid, tuple))
	if t != nil && t.State() == txn.Growing {
		t.AddWrite(txn.WriteRecord{RID: rid, Type: txn.WriteDelete, Tuple: tuple, Target: h})
	}
	p.WUnlatch()
	h.bp.UnpinPage(rid.PageID, true)
	return nil
}

// ApplyDelete physically removes the tuple. Called at commit for marked
// tuples and at abort to undo an insert.
func (h *Heap) ApplyDelete(rid storage.RID, t *txn.Transaction) error {
	p, err := h.bp.FetchPage(rid.PageID)
	if err != nil {
		return err
	}
	p.WLatch()
	tp := AsTablePage(p)
	tuple, ok := tp.RawTuple(int(rid.Slot))
	if !ok || !tp.ApplyDelete(int(rid.Slot)) {
		p.WUnlatch()
		h.bp.UnpinPage(rid.PageID, false)
		return txn.ErrTupleNotFound
	}
	h.logOp(t, tp, wal.NewDeleteRecord(h.txnID(t), h.prevLSN(t), wal.TypeApplyDelete, rid, tuple))
	p.WUnlatch()
	h.bp.UnpinPage(rid.PageID, true)
	return nil
}

// RollbackDelete clears a delete mark; the inverse of MarkDelete during
// abort.
func (h *Heap) RollbackDelete(rid storage.RID, t *txn.Transaction) error {
	p, err := h.bp.FetchPage(rid.PageID)
	if err != nil {
		return err
	}
	p.WLatch()
	tp := AsTablePage(p)
	tuple, ok := tp.RawTuple(int(rid.Slot))
	if !ok || !tp.RollbackDelete(int(rid.Slot)) {
		p.WUnlatch()
		h.bp.UnpinPage(rid.PageID, false)
		return txn.ErrTupleNotFound
	}
	h.logOp(t, tp, wal.NewDeleteRecord(h.txnID(t), h.prevLSN(t), wal.TypeRollbackDelete, rid, tuple))
	p.WUnlatch()
	h.bp.UnpinPage(rid.PageID, true)
	return nil
}

// UpdateTuple overwrites the tuple at rid, journalling both images. Returns
// false (no error) when the page cannot host the larger tuple; callers abort
// in that case.
func (h *Heap) UpdateTuple(tuple []byte, rid storage.RID, t *txn.Transaction) (bool, error) {
	if !h.lockForWrite(rid, t) {
		return false, txn.ErrTxnAborted
	}
	p, err := h.bp.FetchPage(rid.PageID)
	if err != nil {
		return false, err
	}
	p.WLatch()
	tp := AsTablePage(p)
	oldTuple, ok := tp.RawTuple(int(rid.Slot))
	if !ok {
		p.WUnlatch()
		h.bp.UnpinPage(rid.PageID, false)
		return false, txn.ErrTupleNotFound
	}
	if !tp.UpdateTuple(int(rid.Slot), tuple) {
		p.WUnlatch()
		h.bp.UnpinPage(rid.PageID, false)
		return false, nil
	}
	h.logOp(t, tp, wal.NewUpdateRecord(h.txnID(t), h.prevLSN(t), rid, oldTuple, tuple))
	if t != nil && t.State() == txn.Growing {
		t.AddWrite(txn.WriteRecord{RID: rid, Type: txn.WriteUpdate, Tuple: oldTuple, Target: h})
	}
	p.WUnlatch()
	h.bp.UnpinPage(rid.PageID, true)
	return true, nil
}
