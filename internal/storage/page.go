package storage

import (
	"sync"

	"github.com/tuannm99/petradb/pkg/bx"
)

// Page is one in-memory frame of the buffer pool. The pool owns the frame;
// callers hold it only while pinned. The latch protects Data, the remaining
// metadata is guarded by the buffer pool latch.
//
// Invariant: PinCount > 0 implies the frame is not a replacement candidate.
type Page struct {
	id       uint32
	pinCount int32
	dirty    bool

	latch sync.RWMutex
	Data  [PageSize]byte
}

func NewPage() *Page {
	return &Page{id: InvalidPageID}
}

func (p *Page) ID() uint32      { return p.id }
func (p *Page) SetID(id uint32) { p.id = id }
func (p *Page) PinCount() int32 { return p.pinCount }
func (p *Page) IncPin()         { p.pinCount++ }
func (p *Page) DecPin()         { p.pinCount-- }
func (p *Page) IsDirty() bool   { return p.dirty }
func (p *Page) SetDirty(d bool) { p.dirty = d }

// ResetMemory zeroes the payload.
func (p *Page) ResetMemory() {
	clear(p.Data[:])
}

func (p *Page) RLatch()   { p.latch.RLock() }
func (p *Page) RUnlatch() { p.latch.RUnlock() }
func (p *Page) WLatch()   { p.latch.Lock() }
func (p *Page) WUnlatch() { p.latch.Unlock() }

// Every typed page layout (table page, index page, header page) reserves the
// same leading bytes for page id and LSN so that the buffer pool and recovery
// can read them without knowing the layout:
//
//	0..4   page id
//	4..12  lsn
const (
	pageIDOffset  = 0
	pageLSNOffset = 4

	// TypedHeaderSize is the portion of the payload the shared fields
	// occupy; layouts place their own header fields after it.
	TypedHeaderSize = 12
)

// LSN reads the log sequence number stamped into the payload.
func (p *Page) LSN() int64 {
	return bx.I64At(p.Data[:], pageLSNOffset)
}

func (p *Page) SetLSN(lsn int64) {
	bx.PutI64At(p.Data[:], pageLSNOffset, lsn)
}

// PayloadID reads the page id stamped into the payload (distinct from the
// frame mapping id, though equal for every initialized page).
func (p *Page) PayloadID() uint32 {
	return bx.U32At(p.Data[:], pageIDOffset)
}

func (p *Page) SetPayloadID(id uint32) {
	bx.PutU32At(p.Data[:], pageIDOffset, id)
}
