// Package buffer implements the fixed-size buffer pool: pinning, dirty
// tracking, strict-LRU replacement and the write-ahead gate on dirty
// write-back.
package buffer

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/tuannm99/petradb/internal/hash"
	"github.com/tuannm99/petradb/internal/storage"
	"github.com/tuannm99/petradb/pkg/lrux"
)

var (
	// ErrNoVictim is returned when every frame is pinned and no page can
	// be brought in.
	ErrNoVictim = errors.New("buffer: no victim frame available (all pinned)")
)

// WAL is the slice of the log manager the pool needs to honor write-ahead
// logging: no dirty page reaches disk while its LSN exceeds the persistent
// LSN.
type WAL interface {
	PersistentLSN() int64
	FlushUntil(lsn int64)
}

// Pool maintains a fixed array of page frames over the disk manager. Every
// frame is in exactly one of three states: pinned (mapped, pin > 0), evictable
// (mapped, pin == 0, in the replacer) or free (unmapped, in the free list).
type Pool struct {
	mu sync.Mutex

	frames    []*storage.Page
	pageTable *hash.Table[uint32, int]
	freeList  []int
	replacer  *lrux.LRU

	disk *storage.DiskManager
	wal  WAL // nil when logging is disabled
}

// NewPool builds a pool of poolSize frames. bucketSize parameterizes the
// page-table hash buckets. wal may be nil for configurations without logging.
func NewPool(poolSize, bucketSize int, disk *storage.DiskManager, wal WAL) *Pool {
	p := &Pool{
		frames:    make([]*storage.Page, poolSize),
		pageTable: hash.New[uint32, int](bucketSize, hash.Uint32),
		freeList:  make([]int, 0, poolSize),
		replacer:  lrux.New(poolSize),
		disk:      disk,
		wal:       wal,
	}
	for i := range p.frames {
		p.frames[i] = storage.NewPage()
		p.freeList = append(p.freeList, i)
	}
	return p
}

// FetchPage pins the page with the given id, reading it from disk on a miss.
// Returns ErrNoVictim when every frame is pinned.
func (p *Pool) FetchPage(pageID uint32) (*storage.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if idx, ok := p.pageTable.Find(pageID); ok {
		f := p.frames[idx]
		f.IncPin()
		p.replacer.Erase(idx)
		return f, nil
	}

	idx, err := p.obtainFrameLocked()
	if err != nil {
		return nil, err
	}
	f := p.frames[idx]
	p.pageTable.Insert(pageID, idx)
	f.ResetMemory()
	f.SetID(pageID)
	f.IncPin()
	f.SetDirty(false)
	if err := p.disk.ReadPage(pageID, f.Data[:]); err != nil {
		// Undo the mapping; the frame goes back to the free list.
		p.pageTable.Remove(pageID)
		f.DecPin()
		f.SetID(storage.InvalidPageID)
		p.freeList = append(p.freeList, idx)
		return nil, err
	}
	return f, nil
}

// NewPage allocates a fresh page id on disk and returns the pinned, zeroed
// frame mapped to it.
func (p *Pool) NewPage() (*storage.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, err := p.obtainFrameLocked()
	if err != nil {
		return nil, err
	}
	pageID := p.disk.AllocatePage()
	f := p.frames[idx]
	p.pageTable.Insert(pageID, idx)
	f.ResetMemory()
	f.SetID(pageID)
	f.IncPin()
	f.SetDirty(false)
	return f, nil
}

// obtainFrameLocked returns the index of a frame ready to host a new page:
// free list first, then the LRU victim (written back if dirty, after forcing
// the log when WAL requires it).
func (p *Pool) obtainFrameLocked() (int, error) {
	if n := len(p.freeList); n > 0 {
		idx := p.freeList[n-1]
		p.freeList = p.freeList[:n-1]
		return idx, nil
	}

	idx, ok := p.replacer.Victim()
	if !ok {
		return -1, ErrNoVictim
	}
	victim := p.frames[idx]
	p.pageTable.Remove(victim.ID())
	if victim.IsDirty() {
		if p.wal != nil && victim.LSN() > p.wal.PersistentLSN() {
			p.wal.FlushUntil(victim.LSN())
		}
		if err := p.disk.WritePage(victim.ID(), victim.Data[:]); err != nil {
			return -1, err
		}
		victim.SetDirty(false)
	}
	victim.SetID(storage.InvalidPageID)
	return idx, nil
}

// UnpinPage drops one pin; dirty is ORed into the frame's dirty flag. When
// the pin count reaches zero the frame becomes a replacement candidate.
// Returns false for unknown or already-unpinned pages.
func (p *Pool) UnpinPage(pageID uint32, dirty bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := p.pageTable.Find(pageID)
	if !ok {
		slog.Debug("buffer: unpin of unmapped page", "pageID", pageID)
		return false
	}
	f := p.frames[idx]
	if dirty {
		f.SetDirty(true)
	}
	if f.PinCount() <= 0 {
		return false
	}
	f.DecPin()
	if f.PinCount() == 0 {
		p.replacer.Insert(idx)
	}
	return true
}

// FlushPage writes the page's current contents to disk regardless of pin
// state. Returns false when the page is not resident.
func (p *Pool) FlushPage(pageID uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushPageLocked(pageID)
}

func (p *Pool) flushPageLocked(pageID uint32) bool {
	if pageID == storage.InvalidPageID {
		return false
	}
	idx, ok := p.pageTable.Find(pageID)
	if !ok {
		return false
	}
	f := p.frames[idx]
	if p.wal != nil && f.IsDirty() && f.LSN() > p.wal.PersistentLSN() {
		p.wal.FlushUntil(f.LSN())
	}
	if err := p.disk.WritePage(pageID, f.Data[:]); err != nil {
		slog.Warn("buffer: flush page failed", "pageID", pageID, "err", err)
		return false
	}
	f.SetDirty(false)
	return true
}

// DeletePage evicts an unpinned page, resets its frame to the free list and
// logically deallocates it on disk. Returns false if pinned or not resident.
func (p *Pool) DeletePage(pageID uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := p.pageTable.Find(pageID)
	if !ok {
		return false
	}
	f := p.frames[idx]
	if f.PinCount() != 0 {
		slog.Debug("buffer: delete of pinned page refused",
			"pageID", pageID,
			"pin", f.PinCount())
		return false
	}
	p.replacer.Erase(idx)
	p.pageTable.Remove(pageID)
	f.ResetMemory()
	f.SetID(storage.InvalidPageID)
	f.SetDirty(false)
	p.freeList = append(p.freeList, idx)
	p.disk.DeallocatePage(pageID)
	return true
}

// FlushAll writes every resident dirty page to disk. Used on shutdown.
func (p *Pool) FlushAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, f := range p.frames {
		if f.ID() == storage.InvalidPageID || !f.IsDirty() {
			continue
		}
		p.flushPageLocked(f.ID())
	}
}

// PoolSize reports the fixed number of frames.
func (p *Pool) PoolSize() int {
	return len(p.frames)
}
