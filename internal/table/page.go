// Package table implements the tuple storage the transaction and recovery
// machinery operates on: slotted table pages chained into a heap.
package table

import (
	"errors"

	"github.com/tuannm99/petradb/internal/storage"
	"github.com/tuannm99/petradb/pkg/bx"
)

var (
	ErrTupleTooLarge = errors.New("table: tuple does not fit in an empty page")
	ErrNoSpace       = errors.New("table: page cannot hold tuple")
)

// TablePage is a slotted-page view over a 4KiB frame:
//
//	0..4    page id          (shared typed-page prefix)
//	4..12   lsn              (shared typed-page prefix)
//	12..16  prev page id
//	16..20  next page id
//	20..22  free space pointer (tuple data grows down from PageSize)
//	22..24  tuple count
//	24..    slot array, 4 bytes per slot: offset u16 | size u16
//
// The size field's top bit marks a tuple as delete-marked; a slot with
// offset 0 is dead (physically deleted).
const (
	prevPageIDOffset = storage.TypedHeaderSize
	nextPageIDOffset = prevPageIDOffset + 4
	freePtrOffset    = nextPageIDOffset + 4
	tupleCountOffset = freePtrOffset + 2
	slotsOffset      = tupleCountOffset + 2

	slotSize       = 4
	deleteMarkFlag = uint16(0x8000)
	tupleSizeMask  = ^deleteMarkFlag
)

type TablePage struct {
	*storage.Page
}

func AsTablePage(p *storage.Page) TablePage {
	return TablePage{p}
}

// Init formats the frame as an empty table page.
func (p TablePage) Init(pageID, prevPageID uint32) {
	p.ResetMemory()
	p.SetPayloadID(pageID)
	p.SetLSN(storage.InvalidLSN)
	p.SetPrevPageID(prevPageID)
	p.SetNextPageID(storage.InvalidPageID)
	p.setFreePtr(storage.PageSize)
	p.setTupleCount(0)
}

func (p TablePage) PrevPageID() uint32 {
	return bx.U32At(p.Data[:], prevPageIDOffset)
}

func (p TablePage) SetPrevPageID(id uint32) {
	bx.PutU32At(p.Data[:], prevPageIDOffset, id)
}

func (p TablePage) NextPageID() uint32 {
	return bx.U32At(p.Data[:], nextPageIDOffset)
}

func (p TablePage) SetNextPageID(id uint32) {
	bx.PutU32At(p.Data[:], nextPageIDOffset, id)
}

func (p TablePage) freePtr() int {
	return int(bx.U16At(p.Data[:], freePtrOffset))
}

func (p TablePage) setFreePtr(v int) {
	bx.PutU16At(p.Data[:], freePtrOffset, uint16(v))
}

// TupleCount is the number of slots ever allocated, dead slots included.
func (p TablePage) TupleCount() int {
	return int(bx.U16At(p.Data[:], tupleCountOffset))
}

func (p TablePage) setTupleCount(n int) {
	bx.PutU16At(p.Data[:], tupleCountOffset, uint16(n))
}

func (p TablePage) slot(i int) (offset int, size int, marked bool) {
	o := slotsOffset + i*slotSize
	offset = int(bx.U16At(p.Data[:], o))
	raw := bx.U16At(p.Data[:], o+2)
	return offset, int(raw & tupleSizeMask), raw&deleteMarkFlag != 0
}

func (p TablePage) putSlot(i, offset, size int, marked bool) {
	o := slotsOffset + i*slotSize
	bx.PutU16At(p.Data[:], o, uint16(offset))
	raw := uint16(size)
	if marked {
		raw |= deleteMarkFlag
	}
	bx.PutU16At(p.Data[:], o+2, raw)
}

func (p TablePage) freeSpace() int {
	return p.freePtr() - (slotsOffset + p.TupleCount()*slotSize)
}

// InsertTuple appends the tuple, returning its slot number. ErrNoSpace when
// the page is too full; ErrTupleTooLarge when no table page could ever hold
// it.
func (p TablePage) InsertTuple(tuple []byte) (int, error) {
	need := len(tuple) + slotSize
	if len(tuple)+slotSize > storage.PageSize-slotsOffset {
		return -1, ErrTupleTooLarge
	}
	if p.freeSpace() < need {
		return -1, ErrNoSpace
	}
	newPtr := p.freePtr() - len(tuple)
	copy(p.Data[newPtr:], tuple)
	p.setFreePtr(newPtr)
	slot := p.TupleCount()
	p.putSlot(slot, newPtr, len(tuple), false)
	p.setTupleCount(slot + 1)
	return slot, nil
}

// InsertTupleAt places the tuple into a specific slot, extending the slot
// array as needed. Recovery uses it to make redo land tuples at their logged
// RIDs.
func (p TablePage) InsertTupleAt(slot int, tuple []byte) error {
	if off, size, _ := p.slot(slot); slot < p.TupleCount() && off != 0 && size >= len(tuple) {
		copy(p.Data[off:], tuple)
		p.putSlot(slot, off, len(tuple), false)
		return nil
	}
	grow := 0
	if slot >= p.TupleCount() {
		grow = (slot + 1 - p.TupleCount()) * slotSize
	}
	if p.freeSpace() < len(tuple)+grow {
		return ErrNoSpace
	}
	newPtr := p.freePtr() - len(tuple)
	copy(p.Data[newPtr:], tuple)
	p.setFreePtr(newPtr)
	if slot >= p.TupleCount() {
		for s := p.TupleCount(); s < slot; s++ {
			p.putSlot(s, 0, 0, false)
		}
		p.setTupleCount(slot + 1)
	}
	p.putSlot(slot, newPtr, len(tuple), false)
	return nil
}

// GetTuple copies out the tuple at slot. ok is false for dead or
// delete-marked slots.
func (p TablePage) GetTuple(slot int) ([]byte, bool) {
	if slot < 0 || slot >= p.TupleCount() {
		return nil, false
	}
	off, size, marked := p.slot(slot)
	if off == 0 || marked {
		return nil, false
	}
	out := make([]byte, size)
	copy(out, p.Data[off:off+size])
	return out, true
}

// RawTuple is GetTuple without the delete-mark filter; commit needs the image
// of a marked tuple to journal its physical delete.
func (p TablePage) RawTuple(slot int) ([]byte, bool) {
	if slot < 0 || slot >= p.TupleCount() {
		return nil, false
	}
	off, size, _ := p.slot(slot)
	if off == 0 {
		return nil, false
	}
	out := make([]byte, size)
	copy(out, p.Data[off:off+size])
	return out, true
}

// MarkDelete flags the tuple; it stays on the page until ApplyDelete.
func (p TablePage) MarkDelete(slot int) bool {
	if slot < 0 || slot >= p.TupleCount() {
		return false
	}
	off, size, _ := p.slot(slot)
	if off == 0 {
		return false
	}
	p.putSlot(slot, off, size, true)
	return true
}

// RollbackDelete clears a delete mark.
func (p TablePage) RollbackDelete(slot int) bool {
	if slot < 0 || slot >= p.TupleCount() {
		return false
	}
	off, size, _ := p.slot(slot)
	if off == 0 {
		return false
	}
	p.putSlot(slot, off, size, false)
	return true
}

// ApplyDelete kills the slot. The tuple bytes are not compacted; slot ids
// stay stable for the lifetime of the page.
func (p TablePage) ApplyDelete(slot int) bool {
	if slot < 0 || slot >= p.TupleCount() {
		return false
	}
	off, _, _ := p.slot(slot)
	if off == 0 {
		return false
	}
	p.putSlot(slot, 0, 0, false)
	return true
}

// UpdateTuple replaces the tuple at slot. In place when it fits in the old
// allocation, otherwise re-appended into free space. Returns false when
// neither fits.
func (p TablePage) UpdateTuple(slot int, newTuple []byte) bool {
	if slot < 0 || slot >= p.TupleCount() {
		return false
	}
	off, size, marked := p.slot(slot)
	if off == 0 || marked {
		return false
	}
	if len(newTuple) <= size {
		copy(p.Data[off:], newTuple)
		p.putSlot(slot, off, len(newTuple), false)
		return true
	}
	if p.freeSpace() < len(newTuple) {
		return false
	}
	newPtr := p.freePtr() - len(newTuple)
	copy(p.Data[newPtr:], newTuple)
	p.setFreePtr(newPtr)
	p.putSlot(slot, newPtr, len(newTuple), false)
	return true
}
