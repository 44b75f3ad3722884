// Package recovery replays the write-ahead log after a crash: a fused
// analysis+redo pass rebuilds page state and the active-transaction table,
// then undo rolls back every transaction that never finished.
package recovery

import (
	"errors"
	"log/slog"

	"github.com/tuannm99/petradb/internal/buffer"
	"github.com/tuannm99/petradb/internal/storage"
	"github.com/tuannm99/petradb/internal/table"
	"github.com/tuannm99/petradb/internal/wal"
)

var (
	// ErrCorruptLog reports a structurally invalid record before the end
	// of the file; recovery halts after the last valid record.
	ErrCorruptLog = errors.New("recovery: corrupt log record")
)

// Recovery drives the two phases. Physical changes go through table pages
// fetched from the buffer pool; no locks are taken and nothing new is logged.
type Recovery struct {
	disk *storage.DiskManager
	bp   *buffer.Pool

	buf []byte

	// activeTxn maps still-active transactions to their last seen LSN;
	// lsnMapping locates every record in the file for the undo walk.
	activeTxn  map[int32]int64
	lsnMapping map[int64]int64
	maxTxnID   int32
}

func New(disk *storage.DiskManager, bp *buffer.Pool, bufferSize int) *Recovery {
	if bufferSize <= 0 {
		bufferSize = wal.DefaultBufferSize
	}
	return &Recovery{
		disk:       disk,
		bp:         bp,
		buf:        make([]byte, bufferSize),
		activeTxn:  make(map[int32]int64),
		lsnMapping: make(map[int64]int64),
	}
}

// Run executes redo then undo.
func (r *Recovery) Run() error {
	if err := r.Redo(); err != nil {
		return err
	}
	return r.Undo()
}

// Redo scans the log from the start in buffer-sized chunks, reapplying every
// physical record whose target page's on-disk LSN is older, and building the
// active-transaction and LSN-offset tables along the way. A torn record at
// the tail ends the scan.
func (r *Recovery) Redo() error {
	var offset int64
	for {
		n, err := r.disk.ReadLog(r.buf, offset)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		pos := 0
		for {
			rec, ok := wal.Decode(r.buf[pos:n])
			if !ok {
				break
			}
			if err := r.redoRecord(&rec); err != nil {
				return err
			}
			r.track(&rec)
			r.lsnMapping[rec.LSN] = offset + int64(pos)
			pos += int(rec.Size)
		}
		if pos == 0 {
			// Nothing decodable at this offset: either a torn tail
			// or corruption. Stop after the last valid record.
			slog.Warn("recovery: undecodable log tail", "offset", offset)
			return nil
		}
		offset += int64(pos)
	}
}

// MaxTxnID is the largest transaction id seen in the log; id assignment
// resumes above it so old and new transactions never share an id.
func (r *Recovery) MaxTxnID() int32 {
	return r.maxTxnID
}

func (r *Recovery) track(rec *wal.Record) {
	if rec.TxnID > r.maxTxnID {
		r.maxTxnID = rec.TxnID
	}
	switch rec.Type {
	case wal.TypeBegin:
		r.activeTxn[rec.TxnID] = rec.LSN
	case wal.TypeCommit, wal.TypeAbort:
		delete(r.activeTxn, rec.TxnID)
	default:
		r.activeTxn[rec.TxnID] = rec.LSN
	}
}

// redoRecord reapplies one physical record when the page has not seen it yet.
func (r *Recovery) redoRecord(rec *wal.Record) error {
	switch rec.Type {
	case wal.TypeBegin, wal.TypeCommit, wal.TypeAbort:
		return nil
	case wal.TypeNewPage:
		return r.redoNewPage(rec)
	}

	p, err := r.bp.FetchPage(rec.RID.PageID)
	if err != nil {
		return err
	}
	p.WLatch()
	tp := table.AsTablePage(p)
	if tp.LSN() < rec.LSN {
		slot := int(rec.RID.Slot)
		switch rec.Type {
		case wal.TypeInsert:
			err = tp.InsertTupleAt(slot, rec.Tuple)
		case wal.TypeApplyDelete:
			tp.ApplyDelete(slot)
		case wal.TypeMarkDelete:
			tp.MarkDelete(slot)
		case wal.TypeRollbackDelete:
			tp.RollbackDelete(slot)
		case wal.TypeUpdate:
			tp.UpdateTuple(slot, rec.NewTuple)
		}
		tp.SetLSN(rec.LSN)
	}
	p.WUnlatch()
	r.bp.UnpinPage(rec.RID.PageID, true)
	return err
}

// redoNewPage re-creates an allocated heap page. The record carries the
// allocated page id, so redo does not depend on allocation order.
func (r *Recovery) redoNewPage(rec *wal.Record) error {
	r.disk.EnsureAllocated(rec.PageID)

	p, err := r.bp.FetchPage(rec.PageID)
	if err != nil {
		return err
	}
	p.WLatch()
	tp := table.AsTablePage(p)
	if tp.LSN() < rec.LSN {
		tp.Init(rec.PageID, rec.PrevPageID)
		tp.SetLSN(rec.LSN)
	}
	p.WUnlatch()
	r.bp.UnpinPage(rec.PageID, true)

	if rec.PrevPageID != storage.InvalidPageID {
		prev, err := r.bp.FetchPage(rec.PrevPageID)
		if err != nil {
			return err
		}
		prev.WLatch()
		ptp := table.AsTablePage(prev)
		if ptp.NextPageID() != rec.PageID {
			ptp.SetNextPageID(rec.PageID)
		}
		prev.WUnlatch()
		r.bp.UnpinPage(rec.PrevPageID, true)
	}
	return nil
}

// Undo rolls back every transaction left in the active table: repeatedly pick
// the one with the largest last LSN, invert that record, and follow its
// prev-LSN chain until it bottoms out.
func (r *Recovery) Undo() error {
	for len(r.activeTxn) > 0 {
		last := storage.InvalidLSN
		for _, lsn := range r.activeTxn {
			if lsn > last {
				last = lsn
			}
		}

		offset, ok := r.lsnMapping[last]
		if !ok {
			return ErrCorruptLog
		}
		n, err := r.disk.ReadLog(r.buf, offset)
		if err != nil {
			return err
		}
		rec, ok := wal.Decode(r.buf[:n])
		if !ok {
			return ErrCorruptLog
		}

		if err := r.undoRecord(&rec); err != nil {
			return err
		}

		if rec.PrevLSN == storage.InvalidLSN {
			delete(r.activeTxn, rec.TxnID)
		} else {
			r.activeTxn[rec.TxnID] = rec.PrevLSN
		}
	}
	return nil
}

// undoRecord applies the inverse of one record, as abort would.
func (r *Recovery) undoRecord(rec *wal.Record) error {
	switch rec.Type {
	case wal.TypeBegin, wal.TypeCommit, wal.TypeAbort, wal.TypeNewPage:
		// Page allocation is not undone; the page stays, empty.
		return nil
	}

	p, err := r.bp.FetchPage(rec.RID.PageID)
	if err != nil {
		return err
	}
	p.WLatch()
	tp := table.AsTablePage(p)
	slot := int(rec.RID.Slot)
	switch rec.Type {
	case wal.TypeInsert:
		tp.ApplyDelete(slot)
	case wal.TypeApplyDelete:
		err = tp.InsertTupleAt(slot, rec.Tuple)
	case wal.TypeMarkDelete:
		tp.RollbackDelete(slot)
	case wal.TypeRollbackDelete:
		tp.MarkDelete(slot)
	case wal.TypeUpdate:
		tp.UpdateTuple(slot, rec.OldTuple)
	}
	p.WUnlatch()
	r.bp.UnpinPage(rec.RID.PageID, true)
	return err
}
