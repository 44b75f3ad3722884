package index

import (
	"github.com/tuannm99/petradb/internal/storage"
	"github.com/tuannm99/petradb/pkg/bx"
)

// Tree pages share a common header; internal and leaf pages differ only in
// their entry layout (a tagged variant, not a hierarchy):
//
//	0..4    page id           (shared typed-page prefix)
//	4..12   lsn               (shared typed-page prefix)
//	12..16  node type (1 = internal, 2 = leaf)
//	16..20  size (entry count)
//	20..24  max size
//	24..28  parent page id
//	leaf only:
//	28..32  next page id
//
// Internal entries are (key, child page id) with entry 0's key a sentinel:
// lookups route on keys 1..size-1, so an internal page with size n has n
// children. Leaf entries are (key, RID) in strictly ascending key order.
const (
	nodeTypeOffset   = storage.TypedHeaderSize
	sizeOffset       = nodeTypeOffset + 4
	maxSizeOffset    = sizeOffset + 4
	parentOffset     = maxSizeOffset + 4
	internalHdrSize  = parentOffset + 4
	leafNextOffset   = parentOffset + 4
	leafHdrSize      = leafNextOffset + 4
	leafValueSize    = 8 // RID
	internalValSize  = 4 // child page id
	nodeTypeInternal = uint32(1)
	nodeTypeLeaf     = uint32(2)
)

// node is the shared-header view over a latched frame.
type node[K any] struct {
	page  *storage.Page
	codec KeyCodec[K]
}

func (n node[K]) isLeaf() bool {
	return bx.U32At(n.page.Data[:], nodeTypeOffset) == nodeTypeLeaf
}

func (n node[K]) size() int {
	return int(bx.U32At(n.page.Data[:], sizeOffset))
}

func (n node[K]) setSize(v int) {
	bx.PutU32At(n.page.Data[:], sizeOffset, uint32(v))
}

func (n node[K]) maxSize() int {
	return int(bx.U32At(n.page.Data[:], maxSizeOffset))
}

func (n node[K]) setMaxSize(v int) {
	bx.PutU32At(n.page.Data[:], maxSizeOffset, uint32(v))
}

// minSize is the underflow bound for non-root pages. Internal pages round
// up, so a non-root internal page always keeps at least two children.
func (n node[K]) minSize() int {
	if n.isLeaf() {
		return n.maxSize() / 2
	}
	return (n.maxSize() + 1) / 2
}

func (n node[K]) parent() uint32 {
	return bx.U32At(n.page.Data[:], parentOffset)
}

func (n node[K]) setParent(id uint32) {
	bx.PutU32At(n.page.Data[:], parentOffset, id)
}

func (n node[K]) id() uint32 {
	return n.page.PayloadID()
}

func (n node[K]) isRoot() bool {
	return n.parent() == storage.InvalidPageID
}

// leafNode is the leaf-entry view.
type leafNode[K any] struct {
	node[K]
}

func (n node[K]) asLeaf() leafNode[K] {
	return leafNode[K]{n}
}

func (l leafNode[K]) init(pageID uint32, maxSize int) {
	l.page.ResetMemory()
	l.page.SetPayloadID(pageID)
	l.page.SetLSN(storage.InvalidLSN)
	bx.PutU32At(l.page.Data[:], nodeTypeOffset, nodeTypeLeaf)
	l.setSize(0)
	l.setMaxSize(maxSize)
	l.setParent(storage.InvalidPageID)
	l.setNext(storage.InvalidPageID)
}

func (l leafNode[K]) next() uint32 {
	return bx.U32At(l.page.Data[:], leafNextOffset)
}

func (l leafNode[K]) setNext(id uint32) {
	bx.PutU32At(l.page.Data[:], leafNextOffset, id)
}

func (l leafNode[K]) entrySize() int {
	return l.codec.Size() + leafValueSize
}

func (l leafNode[K]) entryOffset(i int) int {
	return leafHdrSize + i*l.entrySize()
}

func (l leafNode[K]) keyAt(i int) K {
	return l.codec.Decode(l.page.Data[l.entryOffset(i):])
}

func (l leafNode[K]) valueAt(i int) storage.RID {
	off := l.entryOffset(i) + l.codec.Size()
	return storage.RID{
		PageID: bx.U32At(l.page.Data[:], off),
		Slot:   bx.U32At(l.page.Data[:], off+4),
	}
}

func (l leafNode[K]) setEntry(i int, k K, v storage.RID) {
	off := l.entryOffset(i)
	l.codec.Encode(l.page.Data[off:], k)
	bx.PutU32At(l.page.Data[:], off+l.codec.Size(), v.PageID)
	bx.PutU32At(l.page.Data[:], off+l.codec.Size()+4, v.Slot)
}

func (l leafNode[K]) copyEntry(dst int, src leafNode[K], srcIdx int) {
	l.setEntry(dst, src.keyAt(srcIdx), src.valueAt(srcIdx))
}

// indexOf binary-searches for key; found is false at the insertion point of
// an absent key.
func (l leafNode[K]) indexOf(key K) (int, bool) {
	lo, hi := 0, l.size()
	for lo < hi {
		mid := (lo + hi) / 2
		c := l.codec.Compare(l.keyAt(mid), key)
		switch {
		case c == 0:
			return mid, true
		case c < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

// insertAt shifts entries right and stores (k, v) at position i.
func (l leafNode[K]) insertAt(i int, k K, v storage.RID) {
	es := l.entrySize()
	start := l.entryOffset(i)
	end := l.entryOffset(l.size())
	copy(l.page.Data[start+es:end+es], l.page.Data[start:end])
	l.setEntry(i, k, v)
	l.setSize(l.size() + 1)
}

// removeAt shifts entries left over position i.
func (l leafNode[K]) removeAt(i int) {
	es := l.entrySize()
	start := l.entryOffset(i)
	end := l.entryOffset(l.size())
	copy(l.page.Data[start:], l.page.Data[start+es:end])
	l.setSize(l.size() - 1)
}

// internalNode is the routing-entry view.
type internalNode[K any] struct {
	node[K]
}

func (n node[K]) asInternal() internalNode[K] {
	return internalNode[K]{n}
}

func (in internalNode[K]) init(pageID uint32, maxSize int) {
	in.page.ResetMemory()
	in.page.SetPayloadID(pageID)
	in.page.SetLSN(storage.InvalidLSN)
	bx.PutU32At(in.page.Data[:], nodeTypeOffset, nodeTypeInternal)
	in.setSize(0)
	in.setMaxSize(maxSize)
	in.setParent(storage.InvalidPageID)
}

func (in internalNode[K]) entrySize() int {
	return in.codec.Size() + internalValSize
}

func (in internalNode[K]) entryOffset(i int) int {
	return internalHdrSize + i*in.entrySize()
}

func (in internalNode[K]) keyAt(i int) K {
	return in.codec.Decode(in.page.Data[in.entryOffset(i):])
}

func (in internalNode[K]) setKeyAt(i int, k K) {
	in.codec.Encode(in.page.Data[in.entryOffset(i):], k)
}

func (in internalNode[K]) childAt(i int) uint32 {
	return bx.U32At(in.page.Data[:], in.entryOffset(i)+in.codec.Size())
}

func (in internalNode[K]) setEntry(i int, k K, child uint32) {
	off := in.entryOffset(i)
	in.codec.Encode(in.page.Data[off:], k)
	bx.PutU32At(in.page.Data[:], off+in.codec.Size(), child)
}

// childIndex returns the position of child in the entry array, -1 if absent.
func (in internalNode[K]) childIndex(child uint32) int {
	for i := 0; i < in.size(); i++ {
		if in.childAt(i) == child {
			return i
		}
	}
	return -1
}

// route picks the child to descend into: the rightmost entry whose key is
// <= key, or child 0 when every routing key exceeds key. Entry 0's key is
// never consulted.
func (in internalNode[K]) route(key K) uint32 {
	lo, hi := 1, in.size()
	for lo < hi {
		mid := (lo + hi) / 2
		if in.codec.Compare(in.keyAt(mid), key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return in.childAt(lo - 1)
}

// insertAfter places (k, child) immediately after position i.
func (in internalNode[K]) insertAfter(i int, k K, child uint32) {
	es := in.entrySize()
	start := in.entryOffset(i + 1)
	end := in.entryOffset(in.size())
	copy(in.page.Data[start+es:end+es], in.page.Data[start:end])
	in.setEntry(i+1, k, child)
	in.setSize(in.size() + 1)
}

// removeAt drops the entry at position i.
func (in internalNode[K]) removeAt(i int) {
	es := in.entrySize()
	start := in.entryOffset(i)
	end := in.entryOffset(in.size())
	copy(in.page.Data[start:], in.page.Data[start+es:end])
	in.setSize(in.size() - 1)
}
