// Package txn implements transactions, tuple-granularity two-phase locking
// with wait-die deadlock prevention, and the commit/abort orchestration.
package txn

import (
	"github.com/tuannm99/petradb/internal/storage"
)

// State is the two-phase-locking lifecycle of a transaction.
type State int32

const (
	Growing State = iota
	Shrinking
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Growing:
		return "GROWING"
	case Shrinking:
		return "SHRINKING"
	case Committed:
		return "COMMITTED"
	default:
		return "ABORTED"
	}
}

// WriteType tags entries of the transaction write set.
type WriteType int

const (
	WriteInsert WriteType = iota
	WriteDelete           // mark-delete, applied physically at commit
	WriteUpdate
)

// UndoTarget is the table-heap surface the transaction machinery needs to
// roll writes forward (deferred deletes at commit) and backward (abort).
type UndoTarget interface {
	ApplyDelete(rid storage.RID, t *Transaction) error
	RollbackDelete(rid storage.RID, t *Transaction) error
	UpdateTuple(tuple []byte, rid storage.RID, t *Transaction) (bool, error)
}

// WriteRecord is one entry of the write set: enough to invert the operation.
type WriteRecord struct {
	RID    storage.RID
	Type   WriteType
	Tuple  []byte // before image for update; tuple image for delete
	Target UndoTarget
}

// Transaction carries 2PL state, the lock sets, the write set with before
// images, the back-link into the log, and the page bookkeeping used by index
// latch crabbing.
type Transaction struct {
	id      int32
	state   State
	prevLSN int64

	sharedLocks    map[storage.RID]struct{}
	exclusiveLocks map[storage.RID]struct{}
	writeSet       []WriteRecord

	// deletedPages are index pages emptied by a structural operation,
	// queued for reclamation once every latch has dropped.
	deletedPages map[uint32]struct{}
}

func NewTransaction(id int32) *Transaction {
	return &Transaction{
		id:             id,
		state:          Growing,
		prevLSN:        storage.InvalidLSN,
		sharedLocks:    make(map[storage.RID]struct{}),
		exclusiveLocks: make(map[storage.RID]struct{}),
		deletedPages:   make(map[uint32]struct{}),
	}
}

func (t *Transaction) ID() int32        { return t.id }
func (t *Transaction) State() State     { return t.state }
func (t *Transaction) SetState(s State) { t.state = s }
func (t *Transaction) PrevLSN() int64   { return t.prevLSN }
func (t *Transaction) SetPrevLSN(lsn int64) {
	t.prevLSN = lsn
}

func (t *Transaction) SharedLocks() map[storage.RID]struct{}    { return t.sharedLocks }
func (t *Transaction) ExclusiveLocks() map[storage.RID]struct{} { return t.exclusiveLocks }

// HoldsLock reports whether the transaction holds any lock on rid.
func (t *Transaction) HoldsLock(rid storage.RID) bool {
	if _, ok := t.sharedLocks[rid]; ok {
		return true
	}
	_, ok := t.exclusiveLocks[rid]
	return ok
}

func (t *Transaction) AddWrite(w WriteRecord) {
	t.writeSet = append(t.writeSet, w)
}

func (t *Transaction) WriteSet() []WriteRecord {
	return t.writeSet
}

func (t *Transaction) clearWriteSet() {
	t.writeSet = nil
}

// MarkPageDeleted queues an emptied index page for reclamation.
func (t *Transaction) MarkPageDeleted(pageID uint32) {
	t.deletedPages[pageID] = struct{}{}
}

// DeletedPages returns the queued page ids.
func (t *Transaction) DeletedPages() map[uint32]struct{} {
	return t.deletedPages
}

// ClearDeletedPages resets the queue after reclamation.
func (t *Transaction) ClearDeletedPages() {
	clear(t.deletedPages)
}
