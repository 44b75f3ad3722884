package storage

import (
	"bytes"

	"github.com/tuannm99/petradb/pkg/bx"
)

// HeaderPage is a view over page 0: a small record store mapping index and
// table names to their root page ids. Records are fixed width so lookup is a
// linear scan.
//
//	TypedHeaderSize..+4  record count
//	then per record:     name (32 bytes, zero padded) | root page id (u32)
const (
	headerCountOffset   = TypedHeaderSize
	headerRecordsOffset = headerCountOffset + 4

	// MaxNameLength bounds names stored in the header page.
	MaxNameLength = 32

	headerRecordSize = MaxNameLength + 4
	maxHeaderRecords = (PageSize - headerRecordsOffset) / headerRecordSize
)

type HeaderPage struct {
	*Page
}

func AsHeaderPage(p *Page) HeaderPage {
	return HeaderPage{p}
}

// Init resets the record store. Only called when the page file is created.
func (h HeaderPage) Init() {
	h.ResetMemory()
	h.SetPayloadID(HeaderPageID)
	h.SetLSN(InvalidLSN)
	h.setRecordCount(0)
}

func (h HeaderPage) RecordCount() int {
	return int(bx.U32At(h.Data[:], headerCountOffset))
}

func (h HeaderPage) setRecordCount(n int) {
	bx.PutU32At(h.Data[:], headerCountOffset, uint32(n))
}

func (h HeaderPage) recordOffset(i int) int {
	return headerRecordsOffset + i*headerRecordSize
}

func (h HeaderPage) recordName(i int) string {
	off := h.recordOffset(i)
	raw := h.Data[off : off+MaxNameLength]
	if idx := bytes.IndexByte(raw, 0); idx >= 0 {
		raw = raw[:idx]
	}
	return string(raw)
}

// RecordAt returns the i-th (name, root page id) record.
func (h HeaderPage) RecordAt(i int) (string, uint32) {
	return h.recordName(i), bx.U32At(h.Data[:], h.recordOffset(i)+MaxNameLength)
}

func (h HeaderPage) find(name string) int {
	for i := 0; i < h.RecordCount(); i++ {
		if h.recordName(i) == name {
			return i
		}
	}
	return -1
}

// InsertRecord registers name -> rootID. Returns ErrNameTooLong,
// ErrDuplicateName or ErrHeaderFull when the record cannot be added.
func (h HeaderPage) InsertRecord(name string, rootID uint32) error {
	if len(name) > MaxNameLength {
		return ErrNameTooLong
	}
	if h.find(name) >= 0 {
		return ErrDuplicateName
	}
	n := h.RecordCount()
	if n >= maxHeaderRecords {
		return ErrHeaderFull
	}
	off := h.recordOffset(n)
	clear(h.Data[off : off+MaxNameLength])
	copy(h.Data[off:], name)
	bx.PutU32At(h.Data[:], off+MaxNameLength, rootID)
	h.setRecordCount(n + 1)
	return nil
}

// UpdateRecord changes the root page id stored for name.
func (h HeaderPage) UpdateRecord(name string, rootID uint32) bool {
	i := h.find(name)
	if i < 0 {
		return false
	}
	bx.PutU32At(h.Data[:], h.recordOffset(i)+MaxNameLength, rootID)
	return true
}

// GetRootID looks up the root page id for name.
func (h HeaderPage) GetRootID(name string) (uint32, bool) {
	i := h.find(name)
	if i < 0 {
		return InvalidPageID, false
	}
	return bx.U32At(h.Data[:], h.recordOffset(i)+MaxNameLength), true
}

// DeleteRecord removes name, compacting the record array.
func (h HeaderPage) DeleteRecord(name string) bool {
	i := h.find(name)
	if i < 0 {
		return false
	}
	n := h.RecordCount()
	last := h.recordOffset(n - 1)
	cur := h.recordOffset(i)
	if cur != last {
		copy(h.Data[cur:cur+headerRecordSize], h.Data[last:last+headerRecordSize])
	}
	clear(h.Data[last : last+headerRecordSize])
	h.setRecordCount(n - 1)
	return true
}
