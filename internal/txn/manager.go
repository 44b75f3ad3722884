package txn

import (
	"log/slog"

	"go.uber.org/atomic"

	"github.com/tuannm99/petradb/internal/storage"
	"github.com/tuannm99/petradb/internal/wal"
)

// Manager creates transactions and drives commit and abort. Logging is wired
// in through the constructor; a nil log manager means logging is disabled for
// this configuration (there is no process-wide flag).
type Manager struct {
	nextTxnID atomic.Int32
	lockMgr   *LockManager
	logMgr    *wal.Manager
}

func NewManager(lockMgr *LockManager, logMgr *wal.Manager) *Manager {
	return &Manager{lockMgr: lockMgr, logMgr: logMgr}
}

// SeedTxnID raises the id allocation floor; recovery calls this so restarted
// engines never reuse an id present in the log.
func (m *Manager) SeedTxnID(next int32) {
	for {
		cur := m.nextTxnID.Load()
		if cur >= next {
			return
		}
		if m.nextTxnID.CAS(cur, next) {
			return
		}
	}
}

// LockManager exposes the lock manager for callers acquiring tuple locks.
func (m *Manager) LockManager() *LockManager {
	return m.lockMgr
}

// LogManager returns the wired log manager, nil when logging is disabled.
func (m *Manager) LogManager() *wal.Manager {
	return m.logMgr
}

// Begin opens a transaction: allocates the next id (ids order transactions
// for wait-die, smaller is older) and journals BEGIN.
func (m *Manager) Begin() *Transaction {
	t := NewTransaction(m.nextTxnID.Inc() - 1)
	if m.logMgr != nil {
		rec := wal.NewBeginRecord(t.ID(), t.PrevLSN())
		lsn, err := m.logMgr.Append(&rec)
		if err != nil {
			slog.Error("txn: append BEGIN failed", "txn", t.ID(), "err", err)
		} else {
			t.SetPrevLSN(lsn)
		}
	}
	return t
}

// Commit finishes the transaction: deferred mark-deletes become physical,
// COMMIT is journalled and the call blocks until it is durable (group
// commit), then every held lock is released.
func (m *Manager) Commit(t *Transaction) {
	t.SetState(Committed)

	// Mark-deletes were only flagged on the page; apply them now.
	ws := t.WriteSet()
	for i := len(ws) - 1; i >= 0; i-- {
		w := ws[i]
		if w.Type == WriteDelete {
			if err := w.Target.ApplyDelete(w.RID, t); err != nil {
				slog.Error("txn: apply deferred delete failed",
					"txn", t.ID(), "rid", w.RID, "err", err)
			}
		}
	}
	t.clearWriteSet()

	if m.logMgr != nil {
		rec := wal.NewCommitRecord(t.ID(), t.PrevLSN())
		lsn, err := m.logMgr.Append(&rec)
		if err != nil {
			slog.Error("txn: append COMMIT failed", "txn", t.ID(), "err", err)
		} else {
			t.SetPrevLSN(lsn)
			m.logMgr.FlushUntil(lsn)
		}
	}

	m.releaseAll(t)
}

// Abort rolls the transaction back: the write set is undone in reverse with
// the recorded before-images, ABORT is journalled and made durable, and all
// locks are released.
func (m *Manager) Abort(t *Transaction) {
	t.SetState(Aborted)

	ws := t.WriteSet()
	for i := len(ws) - 1; i >= 0; i-- {
		w := ws[i]
		var err error
		switch w.Type {
		case WriteInsert:
			err = w.Target.ApplyDelete(w.RID, t)
		case WriteDelete:
			err = w.Target.RollbackDelete(w.RID, t)
		case WriteUpdate:
			_, err = w.Target.UpdateTuple(w.Tuple, w.RID, t)
		}
		if err != nil {
			slog.Error("txn: rollback step failed",
				"txn", t.ID(), "rid", w.RID, "err", err)
		}
	}
	t.clearWriteSet()

	if m.logMgr != nil {
		rec := wal.NewAbortRecord(t.ID(), t.PrevLSN())
		lsn, err := m.logMgr.Append(&rec)
		if err != nil {
			slog.Error("txn: append ABORT failed", "txn", t.ID(), "err", err)
		} else {
			t.SetPrevLSN(lsn)
			m.logMgr.FlushUntil(lsn)
		}
	}

	m.releaseAll(t)
}

func (m *Manager) releaseAll(t *Transaction) {
	locked := make(map[storage.RID]struct{}, len(t.SharedLocks())+len(t.ExclusiveLocks()))
	for rid := range t.SharedLocks() {
		locked[rid] = struct{}{}
	}
	for rid := range t.ExclusiveLocks() {
		locked[rid] = struct{}{}
	}
	for rid := range locked {
		m.lockMgr.Unlock(t, rid)
	}
}
