package index

import (
	"github.com/tuannm99/petradb/internal/storage"
)

// Iterator walks the leaf chain in ascending key order. It keeps at most one
// leaf pinned at a time, unpinning as it advances, and latches the leaf only
// for the duration of each entry read.
type Iterator[K any] struct {
	tree *Tree[K]
	page *storage.Page // current leaf, pinned; nil when exhausted
	idx  int
}

// Begin positions an iterator at the first key of the tree.
func (t *Tree[K]) Begin() (*Iterator[K], error) {
	var zero K
	ctx, err := t.descend(zero, modeRead, true)
	if err != nil {
		return nil, err
	}
	return t.iteratorFrom(ctx, 0), nil
}

// BeginAt positions an iterator at the least key >= key.
func (t *Tree[K]) BeginAt(key K) (*Iterator[K], error) {
	ctx, err := t.descend(key, modeRead, false)
	if err != nil {
		return nil, err
	}
	if len(ctx.pages) == 0 {
		return &Iterator[K]{tree: t}, nil
	}
	leaf := t.view(ctx.pages[len(ctx.pages)-1]).asLeaf()
	idx, _ := leaf.indexOf(key)
	return t.iteratorFrom(ctx, idx), nil
}

// iteratorFrom converts a finished read descent into an iterator: the leaf
// stays pinned, its latch drops.
func (t *Tree[K]) iteratorFrom(ctx *crabCtx, idx int) *Iterator[K] {
	if len(ctx.pages) == 0 {
		return &Iterator[K]{tree: t}
	}
	page := ctx.pages[len(ctx.pages)-1]
	page.RUnlatch()
	return &Iterator[K]{tree: t, page: page, idx: idx}
}

// Next returns the current entry and advances. ok is false once the chain is
// exhausted.
func (it *Iterator[K]) Next() (K, storage.RID, bool) {
	var zeroK K
	for it.page != nil {
		it.page.RLatch()
		leaf := it.tree.view(it.page).asLeaf()
		if it.idx < leaf.size() {
			k := leaf.keyAt(it.idx)
			v := leaf.valueAt(it.idx)
			it.page.RUnlatch()
			it.idx++
			return k, v, true
		}
		next := leaf.next()
		it.page.RUnlatch()
		it.tree.bp.UnpinPage(it.page.ID(), false)
		it.page = nil
		it.idx = 0
		if next == storage.InvalidPageID {
			break
		}
		np, err := it.tree.bp.FetchPage(next)
		if err != nil {
			break
		}
		it.page = np
	}
	return zeroK, storage.RID{}, false
}

// Close releases the pinned leaf. Safe to call after exhaustion.
func (it *Iterator[K]) Close() {
	if it.page != nil {
		it.tree.bp.UnpinPage(it.page.ID(), false)
		it.page = nil
	}
}
