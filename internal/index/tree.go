package index

import (
	"fmt"
	"sync"

	"github.com/tuannm99/petradb/internal/buffer"
	"github.com/tuannm99/petradb/internal/storage"
	"github.com/tuannm99/petradb/internal/txn"
)

// crabMode selects the latch-crabbing behavior of a descent.
type crabMode int

const (
	modeRead crabMode = iota
	modeInsert
	modeDelete
)

// Tree is a unique-key B+ tree over the buffer pool. The root page id is
// guarded by a tree-level latch; descents latch-crab page latches in the
// operation's mode and release ancestors as soon as the current child is safe
// (insert: below max, delete: above min). The root id is persisted in the
// header page under the tree's name.
type Tree[K any] struct {
	name  string
	bp    *buffer.Pool
	codec KeyCodec[K]

	leafMax     int
	internalMax int

	rootLatch  sync.RWMutex
	rootPageID uint32
}

// Option tweaks tree construction; mainly page fan-out overrides for tests.
type Option func(*options)

type options struct {
	leafMax     int
	internalMax int
}

// WithLeafMaxSize overrides the computed leaf entry capacity.
func WithLeafMaxSize(n int) Option {
	return func(o *options) { o.leafMax = n }
}

// WithInternalMaxSize overrides the computed internal entry capacity.
func WithInternalMaxSize(n int) Option {
	return func(o *options) { o.internalMax = n }
}

// NewTree opens (or registers) the tree named name. The root page id is read
// from the header page; absent, the tree starts empty and registers itself.
func NewTree[K any](name string, bp *buffer.Pool, codec KeyCodec[K], opts ...Option) (*Tree[K], error) {
	if len(name) > storage.MaxNameLength {
		return nil, storage.ErrNameTooLong
	}
	o := options{
		leafMax:     (storage.PageSize - leafHdrSize)/(codec.Size()+leafValueSize) - 1,
		internalMax: (storage.PageSize - internalHdrSize)/(codec.Size()+internalValSize) - 1,
	}
	for _, opt := range opts {
		opt(&o)
	}

	t := &Tree[K]{
		name:        name,
		bp:          bp,
		codec:       codec,
		leafMax:     o.leafMax,
		internalMax: o.internalMax,
		rootPageID:  storage.InvalidPageID,
	}

	hp, err := bp.FetchPage(storage.HeaderPageID)
	if err != nil {
		return nil, fmt.Errorf("index: open header page: %w", err)
	}
	hp.WLatch()
	header := storage.AsHeaderPage(hp)
	if root, ok := header.GetRootID(name); ok {
		t.rootPageID = root
		hp.WUnlatch()
		bp.UnpinPage(storage.HeaderPageID, false)
		return t, nil
	}
	if err := header.InsertRecord(name, storage.InvalidPageID); err != nil {
		hp.WUnlatch()
		bp.UnpinPage(storage.HeaderPageID, false)
		return nil, err
	}
	hp.WUnlatch()
	bp.UnpinPage(storage.HeaderPageID, true)
	return t, nil
}

func (t *Tree[K]) Name() string { return t.name }

// RootPageID reports the current root, InvalidPageID for an empty tree.
func (t *Tree[K]) RootPageID() uint32 {
	t.rootLatch.RLock()
	defer t.rootLatch.RUnlock()
	return t.rootPageID
}

func (t *Tree[K]) IsEmpty() bool {
	return t.RootPageID() == storage.InvalidPageID
}

func (t *Tree[K]) view(p *storage.Page) node[K] {
	return node[K]{page: p, codec: t.codec}
}

// updateRootRecord persists the root page id into the header page.
func (t *Tree[K]) updateRootRecord() {
	hp, err := t.bp.FetchPage(storage.HeaderPageID)
	if err != nil {
		return
	}
	hp.WLatch()
	storage.AsHeaderPage(hp).UpdateRecord(t.name, t.rootPageID)
	hp.WUnlatch()
	t.bp.UnpinPage(storage.HeaderPageID, true)
}

func (t *Tree[K]) lockRoot(mode crabMode) {
	if mode == modeRead {
		t.rootLatch.RLock()
	} else {
		t.rootLatch.Lock()
	}
}

func (t *Tree[K]) unlockRoot(mode crabMode) {
	if mode == modeRead {
		t.rootLatch.RUnlock()
	} else {
		t.rootLatch.Unlock()
	}
}

func (t *Tree[K]) latchPage(p *storage.Page, mode crabMode) {
	if mode == modeRead {
		p.RLatch()
	} else {
		p.WLatch()
	}
}

func (t *Tree[K]) unlatchPage(p *storage.Page, mode crabMode) {
	if mode == modeRead {
		p.RUnlatch()
	} else {
		p.WUnlatch()
	}
}

// isSafe reports whether a structural change below n cannot propagate into
// it, so every latch above may drop.
func (t *Tree[K]) isSafe(n node[K], mode crabMode) bool {
	if mode == modeInsert {
		return n.size() < n.maxSize()
	}
	if n.isRoot() {
		if n.isLeaf() {
			return n.size() > 1
		}
		return n.size() > 2
	}
	return n.size() > n.minSize()
}

// crabCtx tracks the latched root-to-leaf path of one descent, whether the
// tree-level root latch is still held, and pages emptied by the operation.
type crabCtx struct {
	mode       crabMode
	pages      []*storage.Page
	rootLocked bool
	deleted    []uint32
}

// releaseAncestors drops every currently retained latch (the pages above a
// child just found safe) plus the root latch. Transit-only pages unpin clean.
func (t *Tree[K]) releaseAncestors(ctx *crabCtx) {
	for _, p := range ctx.pages {
		t.unlatchPage(p, ctx.mode)
		t.bp.UnpinPage(p.ID(), false)
	}
	ctx.pages = ctx.pages[:0]
	if ctx.rootLocked {
		t.unlockRoot(ctx.mode)
		ctx.rootLocked = false
	}
}

// releaseAll ends the operation: every latch drops together, write-mode pages
// unpin dirty.
func (t *Tree[K]) releaseAll(ctx *crabCtx) {
	for _, p := range ctx.pages {
		t.unlatchPage(p, ctx.mode)
		t.bp.UnpinPage(p.ID(), ctx.mode != modeRead)
	}
	ctx.pages = ctx.pages[:0]
	if ctx.rootLocked {
		t.unlockRoot(ctx.mode)
		ctx.rootLocked = false
	}
}

// descend walks from the root to the leaf responsible for key (or the
// leftmost leaf), latch-crabbing in the given mode. On return ctx holds the
// still-latched path; for an empty tree ctx.pages is empty and, in write
// modes, the root latch is still held so the caller can grow the tree.
func (t *Tree[K]) descend(key K, mode crabMode, leftmost bool) (*crabCtx, error) {
	ctx := &crabCtx{mode: mode}
	t.lockRoot(mode)
	ctx.rootLocked = true

	if t.rootPageID == storage.InvalidPageID {
		if mode == modeRead {
			t.unlockRoot(mode)
			ctx.rootLocked = false
		}
		return ctx, nil
	}

	page, err := t.bp.FetchPage(t.rootPageID)
	if err != nil {
		t.unlockRoot(mode)
		ctx.rootLocked = false
		return nil, err
	}
	t.latchPage(page, mode)
	if mode == modeRead {
		t.unlockRoot(mode)
		ctx.rootLocked = false
	} else if t.isSafe(t.view(page), mode) {
		// Only the root is latched; the tree-level latch may drop.
		t.unlockRoot(mode)
		ctx.rootLocked = false
	}
	ctx.pages = append(ctx.pages, page)

	for {
		n := t.view(page)
		if n.isLeaf() {
			return ctx, nil
		}
		in := n.asInternal()
		var childID uint32
		if leftmost {
			childID = in.childAt(0)
		} else {
			childID = in.route(key)
		}
		child, err := t.bp.FetchPage(childID)
		if err != nil {
			t.releaseAll(ctx)
			return nil, err
		}
		t.latchPage(child, mode)
		if mode == modeRead {
			t.releaseAncestors(ctx)
		} else if t.isSafe(t.view(child), mode) {
			t.releaseAncestors(ctx)
		}
		ctx.pages = append(ctx.pages, child)
		page = child
	}
}

// GetValue looks key up, returning its RID.
func (t *Tree[K]) GetValue(key K) (storage.RID, bool, error) {
	ctx, err := t.descend(key, modeRead, false)
	if err != nil {
		return storage.RID{}, false, err
	}
	if len(ctx.pages) == 0 {
		return storage.RID{}, false, nil
	}
	leaf := t.view(ctx.pages[len(ctx.pages)-1]).asLeaf()
	idx, found := leaf.indexOf(key)
	var rid storage.RID
	if found {
		rid = leaf.valueAt(idx)
	}
	t.releaseAll(ctx)
	return rid, found, nil
}

// Insert adds (key, rid); false on duplicate key.
func (t *Tree[K]) Insert(key K, rid storage.RID, tx *txn.Transaction) (bool, error) {
	ctx, err := t.descend(key, modeInsert, false)
	if err != nil {
		return false, err
	}
	if len(ctx.pages) == 0 {
		// Empty tree; ctx still holds the root latch exclusively.
		err := t.startNewTree(key, rid)
		t.unlockRoot(modeInsert)
		ctx.rootLocked = false
		return err == nil, err
	}

	leafPage := ctx.pages[len(ctx.pages)-1]
	leaf := t.view(leafPage).asLeaf()
	idx, found := leaf.indexOf(key)
	if found {
		t.releaseAll(ctx)
		return false, nil
	}
	leaf.insertAt(idx, key, rid)
	if leaf.size() > leaf.maxSize() {
		if err := t.splitLeaf(ctx); err != nil {
			t.releaseAll(ctx)
			return false, err
		}
	}
	t.releaseAll(ctx)
	return true, nil
}

// startNewTree creates a single-leaf root holding the first entry. Caller
// holds the root latch exclusively.
func (t *Tree[K]) startNewTree(key K, rid storage.RID) error {
	p, err := t.bp.NewPage()
	if err != nil {
		return err
	}
	leaf := t.view(p).asLeaf()
	leaf.init(p.ID(), t.leafMax)
	leaf.insertAt(0, key, rid)
	t.rootPageID = p.ID()
	t.updateRootRecord()
	t.bp.UnpinPage(p.ID(), true)
	return nil
}

// splitLeaf breaks the overflowing leaf at the tail of ctx in half and pushes
// the new leaf's first key into the parent chain.
func (t *Tree[K]) splitLeaf(ctx *crabCtx) error {
	leafPage := ctx.pages[len(ctx.pages)-1]
	leaf := t.view(leafPage).asLeaf()

	np, err := t.bp.NewPage()
	if err != nil {
		return err
	}
	newLeaf := t.view(np).asLeaf()
	newLeaf.init(np.ID(), t.leafMax)
	newLeaf.setParent(leaf.parent())

	splitAt := leaf.size() / 2
	moved := leaf.size() - splitAt
	for i := 0; i < moved; i++ {
		newLeaf.copyEntry(i, leaf, splitAt+i)
	}
	newLeaf.setSize(moved)
	leaf.setSize(splitAt)
	newLeaf.setNext(leaf.next())
	leaf.setNext(np.ID())

	sep := newLeaf.keyAt(0)
	err = t.insertIntoParent(ctx, len(ctx.pages)-1, sep, np)
	t.bp.UnpinPage(np.ID(), true)
	return err
}

// insertIntoParent links rightPage (the upper half of a split at ctx level)
// into the tree under separator key, splitting upward as needed. Every page
// a split can touch is still latched in ctx: crabbing only released
// ancestors above a safe page, and a page that splits was not safe.
func (t *Tree[K]) insertIntoParent(ctx *crabCtx, level int, key K, rightPage *storage.Page) error {
	childPage := ctx.pages[level]
	right := t.view(rightPage)

	if level == 0 {
		// The split reached the top of the retained path; that page is
		// the root (otherwise its parent would have been retained).
		rp, err := t.bp.NewPage()
		if err != nil {
			return err
		}
		newRoot := t.view(rp).asInternal()
		newRoot.init(rp.ID(), t.internalMax)
		newRoot.setSize(2)
		newRoot.setEntry(0, key, childPage.PayloadID()) // entry 0 key is a sentinel
		newRoot.setEntry(1, key, rightPage.PayloadID())
		t.view(childPage).setParent(rp.ID())
		right.setParent(rp.ID())
		t.rootPageID = rp.ID()
		t.updateRootRecord()
		t.bp.UnpinPage(rp.ID(), true)
		return nil
	}

	parentPage := ctx.pages[level-1]
	parent := t.view(parentPage).asInternal()
	idx := parent.childIndex(childPage.PayloadID())
	parent.insertAfter(idx, key, rightPage.PayloadID())
	right.setParent(parent.id())
	if parent.size() <= parent.maxSize() {
		return nil
	}
	return t.splitInternal(ctx, level-1)
}

// splitInternal halves the overflowing internal page at ctx level and pushes
// the middle key up.
func (t *Tree[K]) splitInternal(ctx *crabCtx, level int) error {
	page := ctx.pages[level]
	in := t.view(page).asInternal()

	np, err := t.bp.NewPage()
	if err != nil {
		return err
	}
	newInt := t.view(np).asInternal()
	newInt.init(np.ID(), t.internalMax)
	newInt.setParent(in.parent())

	splitAt := in.size() / 2
	pushKey := in.keyAt(splitAt)
	moved := in.size() - splitAt
	for i := 0; i < moved; i++ {
		newInt.setEntry(i, in.keyAt(splitAt+i), in.childAt(splitAt+i))
	}
	newInt.setSize(moved)
	in.setSize(splitAt)
	if err := t.reparentChildren(newInt); err != nil {
		t.bp.UnpinPage(np.ID(), true)
		return err
	}

	err = t.insertIntoParent(ctx, level, pushKey, np)
	t.bp.UnpinPage(np.ID(), true)
	return err
}

// reparentChildren repoints every child of in at it after entries moved.
func (t *Tree[K]) reparentChildren(in internalNode[K]) error {
	for i := 0; i < in.size(); i++ {
		cp, err := t.bp.FetchPage(in.childAt(i))
		if err != nil {
			return err
		}
		t.view(cp).setParent(in.id())
		t.bp.UnpinPage(cp.ID(), true)
	}
	return nil
}

// Remove deletes key if present, resolving underflow by redistribute or
// coalesce and adjusting the root. Pages emptied by the operation are queued
// (on the transaction when given) and reclaimed after every latch drops.
func (t *Tree[K]) Remove(key K, tx *txn.Transaction) error {
	ctx, err := t.descend(key, modeDelete, false)
	if err != nil {
		return err
	}
	if len(ctx.pages) == 0 {
		t.releaseAll(ctx)
		return nil
	}

	leafPage := ctx.pages[len(ctx.pages)-1]
	leaf := t.view(leafPage).asLeaf()
	idx, found := leaf.indexOf(key)
	if !found {
		t.releaseAll(ctx)
		return nil
	}
	leaf.removeAt(idx)

	if leaf.isRoot() {
		t.adjustRoot(ctx, len(ctx.pages)-1)
	} else if leaf.size() < leaf.minSize() {
		if err := t.handleUnderflow(ctx, len(ctx.pages)-1, tx); err != nil {
			t.releaseAll(ctx)
			return err
		}
	}

	t.releaseAll(ctx)
	for _, pid := range ctx.deleted {
		if tx != nil {
			tx.MarkPageDeleted(pid)
		}
	}
	if tx != nil {
		for pid := range tx.DeletedPages() {
			t.bp.DeletePage(pid)
		}
		tx.ClearDeletedPages()
	} else {
		for _, pid := range ctx.deleted {
			t.bp.DeletePage(pid)
		}
	}
	return nil
}

// handleUnderflow restores the size invariant of the non-root page at ctx
// level: redistribute from a sibling when their combined size exceeds max,
// otherwise coalesce and recurse into the parent. The parent is retained in
// ctx because an underflowing page was not safe during descent.
func (t *Tree[K]) handleUnderflow(ctx *crabCtx, level int, tx *txn.Transaction) error {
	page := ctx.pages[level]
	n := t.view(page)
	if n.isRoot() {
		t.adjustRoot(ctx, level)
		return nil
	}

	parentPage := ctx.pages[level-1]
	parent := t.view(parentPage).asInternal()
	idx := parent.childIndex(n.id())

	sibIsLeft := idx > 0
	sibIdx := idx + 1
	if sibIsLeft {
		sibIdx = idx - 1
	}
	sp, err := t.bp.FetchPage(parent.childAt(sibIdx))
	if err != nil {
		return err
	}
	sp.WLatch()
	sib := t.view(sp)

	if n.size()+sib.size() > n.maxSize() {
		t.redistribute(n, sib, parent, idx, sibIsLeft)
		sp.WUnlatch()
		t.bp.UnpinPage(sp.ID(), true)
		return nil
	}

	// Coalesce: merge right half into left half, drop the separator.
	if sibIsLeft {
		t.merge(sib, n, parent, idx)
		ctx.deleted = append(ctx.deleted, n.id())
	} else {
		t.merge(n, sib, parent, sibIdx)
		ctx.deleted = append(ctx.deleted, sib.id())
	}
	sp.WUnlatch()
	t.bp.UnpinPage(sp.ID(), true)

	if parent.isRoot() {
		t.adjustRoot(ctx, level-1)
		return nil
	}
	if parent.size() < parent.minSize() {
		return t.handleUnderflow(ctx, level-1, tx)
	}
	return nil
}

// merge appends every entry of right into left and removes right's separator
// entry (at rightIdx) from the parent. For internal pages the separator key
// descends as the first moved entry's routing key.
func (t *Tree[K]) merge(left, right node[K], parent internalNode[K], rightIdx int) {
	sep := parent.keyAt(rightIdx)
	if left.isLeaf() {
		ll, rl := left.asLeaf(), right.asLeaf()
		base := ll.size()
		for i := 0; i < rl.size(); i++ {
			ll.copyEntry(base+i, rl, i)
		}
		ll.setSize(base + rl.size())
		ll.setNext(rl.next())
	} else {
		li, ri := left.asInternal(), right.asInternal()
		base := li.size()
		for i := 0; i < ri.size(); i++ {
			k := ri.keyAt(i)
			if i == 0 {
				k = sep
			}
			li.setEntry(base+i, k, ri.childAt(i))
		}
		li.setSize(base + ri.size())
		// Children of the emptied page now belong to left.
		for i := base; i < li.size(); i++ {
			if cp, err := t.bp.FetchPage(li.childAt(i)); err == nil {
				t.view(cp).setParent(li.id())
				t.bp.UnpinPage(cp.ID(), true)
			}
		}
	}
	parent.removeAt(rightIdx)
}

// redistribute moves one entry from the sibling into n and fixes the
// separator key in the parent.
func (t *Tree[K]) redistribute(n, sib node[K], parent internalNode[K], idx int, sibIsLeft bool) {
	if n.isLeaf() {
		nl, sl := n.asLeaf(), sib.asLeaf()
		if sibIsLeft {
			last := sl.size() - 1
			nl.insertAt(0, sl.keyAt(last), sl.valueAt(last))
			sl.removeAt(last)
			parent.setKeyAt(idx, nl.keyAt(0))
		} else {
			nl.insertAt(nl.size(), sl.keyAt(0), sl.valueAt(0))
			sl.removeAt(0)
			parent.setKeyAt(idx+1, sl.keyAt(0))
		}
		return
	}

	ni, si := n.asInternal(), sib.asInternal()
	if sibIsLeft {
		// Rotate through the parent: sibling's last child arrives at the
		// front of n, the old separator becomes n's first routing key.
		oldSep := parent.keyAt(idx)
		last := si.size() - 1
		movedChild := si.childAt(last)
		movedKey := si.keyAt(last)
		ni.insertAfter(-1, oldSep, movedChild)
		ni.setKeyAt(1, oldSep)
		si.removeAt(last)
		parent.setKeyAt(idx, movedKey)
		if cp, err := t.bp.FetchPage(movedChild); err == nil {
			t.view(cp).setParent(ni.id())
			t.bp.UnpinPage(cp.ID(), true)
		}
	} else {
		oldSep := parent.keyAt(idx + 1)
		movedChild := si.childAt(0)
		ni.insertAfter(ni.size()-1, oldSep, movedChild)
		parent.setKeyAt(idx+1, si.keyAt(1))
		si.removeAt(0)
		if cp, err := t.bp.FetchPage(movedChild); err == nil {
			t.view(cp).setParent(ni.id())
			t.bp.UnpinPage(cp.ID(), true)
		}
	}
}

// adjustRoot resolves an underflowing root: an internal root with a single
// child promotes that child; an empty leaf root empties the tree. Caller
// still holds the tree-level root latch.
func (t *Tree[K]) adjustRoot(ctx *crabCtx, level int) {
	page := ctx.pages[level]
	n := t.view(page)

	if !n.isLeaf() && n.size() == 1 {
		in := n.asInternal()
		childID := in.childAt(0)
		if cp, err := t.bp.FetchPage(childID); err == nil {
			t.view(cp).setParent(storage.InvalidPageID)
			t.bp.UnpinPage(cp.ID(), true)
		}
		ctx.deleted = append(ctx.deleted, n.id())
		t.rootPageID = childID
		t.updateRootRecord()
		return
	}
	if n.isLeaf() && n.size() == 0 {
		ctx.deleted = append(ctx.deleted, n.id())
		t.rootPageID = storage.InvalidPageID
		t.updateRootRecord()
	}
}
