// Package wal implements the append-only write-ahead log: record layout,
// the double-buffered log manager and its background flusher.
package wal

import (
	"github.com/tuannm99/petradb/internal/storage"
	"github.com/tuannm99/petradb/pkg/bx"
)

// RecordType enumerates the wire type codes. The values are part of the log
// file format.
type RecordType int32

const (
	TypeInvalid RecordType = iota
	TypeInsert
	TypeApplyDelete
	TypeMarkDelete
	TypeRollbackDelete
	TypeUpdate
	TypeBegin
	TypeCommit
	TypeAbort
	TypeNewPage
)

func (t RecordType) String() string {
	switch t {
	case TypeInsert:
		return "INSERT"
	case TypeApplyDelete:
		return "APPLYDELETE"
	case TypeMarkDelete:
		return "MARKDELETE"
	case TypeRollbackDelete:
		return "ROLLBACKDELETE"
	case TypeUpdate:
		return "UPDATE"
	case TypeBegin:
		return "BEGIN"
	case TypeCommit:
		return "COMMIT"
	case TypeAbort:
		return "ABORT"
	case TypeNewPage:
		return "NEWPAGE"
	default:
		return "INVALID"
	}
}

// HeaderSize is the fixed prefix of every record, little-endian:
//
//	size:i32 | lsn:i64 | txnID:i32 | prevLSN:i64 | type:i32
const HeaderSize = 4 + 8 + 4 + 8 + 4

const (
	ridSize      = 8
	tupleLenSize = 4
)

// Record is one log entry. Size covers the header plus the type-specific
// payload; LSN is assigned by the log manager at append time. Records of one
// transaction are back-linked through PrevLSN.
type Record struct {
	Size    int32
	LSN     int64
	TxnID   int32
	PrevLSN int64
	Type    RecordType

	// INSERT / *DELETE target and tuple image.
	RID   storage.RID
	Tuple []byte

	// UPDATE before and after images.
	OldTuple []byte
	NewTuple []byte

	// NEWPAGE chain: previous page in the heap and the id that was
	// allocated. Logging the allocated id makes redo independent of
	// allocation order.
	PrevPageID uint32
	PageID     uint32
}

func newRecord(txnID int32, prevLSN int64, typ RecordType) Record {
	return Record{
		Size:    HeaderSize,
		LSN:     storage.InvalidLSN,
		TxnID:   txnID,
		PrevLSN: prevLSN,
		Type:    typ,
	}
}

// NewBeginRecord, NewCommitRecord and NewAbortRecord carry no payload.
func NewBeginRecord(txnID int32, prevLSN int64) Record {
	return newRecord(txnID, prevLSN, TypeBegin)
}

func NewCommitRecord(txnID int32, prevLSN int64) Record {
	return newRecord(txnID, prevLSN, TypeCommit)
}

func NewAbortRecord(txnID int32, prevLSN int64) Record {
	return newRecord(txnID, prevLSN, TypeAbort)
}

// NewInsertRecord journals a tuple insertion at rid.
func NewInsertRecord(txnID int32, prevLSN int64, rid storage.RID, tuple []byte) Record {
	r := newRecord(txnID, prevLSN, TypeInsert)
	r.RID = rid
	r.Tuple = tuple
	r.Size += ridSize + tupleLenSize + int32(len(tuple))
	return r
}

// NewDeleteRecord journals one of the three delete flavors (mark, apply,
// rollback) for the tuple at rid.
func NewDeleteRecord(txnID int32, prevLSN int64, typ RecordType, rid storage.RID, tuple []byte) Record {
	r := newRecord(txnID, prevLSN, typ)
	r.RID = rid
	r.Tuple = tuple
	r.Size += ridSize + tupleLenSize + int32(len(tuple))
	return r
}

// NewUpdateRecord journals an in-place tuple update with both images.
func NewUpdateRecord(txnID int32, prevLSN int64, rid storage.RID, oldTuple, newTuple []byte) Record {
	r := newRecord(txnID, prevLSN, TypeUpdate)
	r.RID = rid
	r.OldTuple = oldTuple
	r.NewTuple = newTuple
	r.Size += ridSize + 2*tupleLenSize + int32(len(oldTuple)) + int32(len(newTuple))
	return r
}

// NewNewPageRecord journals the allocation of pageID, linked after
// prevPageID (InvalidPageID for the first page of a heap).
func NewNewPageRecord(txnID int32, prevLSN int64, prevPageID, pageID uint32) Record {
	r := newRecord(txnID, prevLSN, TypeNewPage)
	r.PrevPageID = prevPageID
	r.PageID = pageID
	r.Size += 8
	return r
}

func putRID(dst []byte, rid storage.RID) {
	bx.PutU32(dst, rid.PageID)
	bx.PutU32At(dst, 4, rid.Slot)
}

func getRID(src []byte) storage.RID {
	return storage.RID{PageID: bx.U32(src), Slot: bx.U32At(src, 4)}
}

func putTuple(dst []byte, tuple []byte) int {
	bx.PutU32(dst, uint32(len(tuple)))
	copy(dst[tupleLenSize:], tuple)
	return tupleLenSize + len(tuple)
}

// Encode serializes the record into dst, which must hold at least Size bytes.
func (r *Record) Encode(dst []byte) {
	bx.PutI32(dst, r.Size)
	bx.PutI64At(dst, 4, r.LSN)
	bx.PutI32At(dst, 12, r.TxnID)
	bx.PutI64At(dst, 16, r.PrevLSN)
	bx.PutI32At(dst, 24, int32(r.Type))

	pos := HeaderSize
	switch r.Type {
	case TypeInsert, TypeApplyDelete, TypeMarkDelete, TypeRollbackDelete:
		putRID(dst[pos:], r.RID)
		pos += ridSize
		putTuple(dst[pos:], r.Tuple)
	case TypeUpdate:
		putRID(dst[pos:], r.RID)
		pos += ridSize
		pos += putTuple(dst[pos:], r.OldTuple)
		putTuple(dst[pos:], r.NewTuple)
	case TypeNewPage:
		bx.PutU32At(dst, pos, r.PrevPageID)
		bx.PutU32At(dst, pos+4, r.PageID)
	}
}

// Decode parses one record from src. ok is false when src holds no complete,
// structurally valid record; recovery treats that as the end of the usable
// log.
func Decode(src []byte) (Record, bool) {
	if len(src) < HeaderSize {
		return Record{}, false
	}
	var r Record
	r.Size = bx.I32(src)
	r.LSN = bx.I64At(src, 4)
	r.TxnID = bx.I32At(src, 12)
	r.PrevLSN = bx.I64At(src, 16)
	r.Type = RecordType(bx.I32At(src, 24))

	if r.Size < HeaderSize || int(r.Size) > len(src) {
		return Record{}, false
	}
	body := src[HeaderSize:r.Size]

	readTuple := func(b []byte) ([]byte, []byte, bool) {
		if len(b) < tupleLenSize {
			return nil, nil, false
		}
		n := int(bx.U32(b))
		if len(b) < tupleLenSize+n {
			return nil, nil, false
		}
		tup := make([]byte, n)
		copy(tup, b[tupleLenSize:tupleLenSize+n])
		return tup, b[tupleLenSize+n:], true
	}

	switch r.Type {
	case TypeBegin, TypeCommit, TypeAbort:
		// no payload
	case TypeInsert, TypeApplyDelete, TypeMarkDelete, TypeRollbackDelete:
		if len(body) < ridSize {
			return Record{}, false
		}
		r.RID = getRID(body)
		tup, _, ok := readTuple(body[ridSize:])
		if !ok {
			return Record{}, false
		}
		r.Tuple = tup
	case TypeUpdate:
		if len(body) < ridSize {
			return Record{}, false
		}
		r.RID = getRID(body)
		old, rest, ok := readTuple(body[ridSize:])
		if !ok {
			return Record{}, false
		}
		newt, _, ok := readTuple(rest)
		if !ok {
			return Record{}, false
		}
		r.OldTuple = old
		r.NewTuple = newt
	case TypeNewPage:
		if len(body) < 8 {
			return Record{}, false
		}
		r.PrevPageID = bx.U32(body)
		r.PageID = bx.U32At(body, 4)
	default:
		return Record{}, false
	}
	return r, true
}
