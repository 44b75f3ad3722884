package storage

import "errors"

const (
	OneKB = 1024
	OneMB = OneKB * 1024

	// PageSize is the fixed frame size for both the page file and the
	// buffer pool.
	PageSize = 4 * OneKB

	// InvalidPageID marks an unmapped frame or an absent page reference.
	InvalidPageID = ^uint32(0)

	// InvalidLSN is the LSN of a page that has never been logged and the
	// prev-LSN of a transaction's first record.
	InvalidLSN = int64(-1)

	// HeaderPageID is the fixed id of the name -> root-page-id directory.
	HeaderPageID = uint32(0)
)

const (
	FileMode0644 = 0o644
	FileMode0755 = 0o755
)

var (
	ErrShortPage     = errors.New("storage: buffer is not exactly one page")
	ErrInvalidPageID = errors.New("storage: invalid page id")
	ErrHeaderFull    = errors.New("storage: header page record space exhausted")
	ErrNameTooLong   = errors.New("storage: record name exceeds maximum length")
	ErrDuplicateName = errors.New("storage: name already registered")
)

// RID identifies a tuple as (page id, slot number). It is the key of the
// tuple lock table and the target of physical log records.
type RID struct {
	PageID uint32
	Slot   uint32
}

// Get packs the RID into a single integer, mostly for hashing.
func (r RID) Get() uint64 {
	return uint64(r.PageID)<<32 | uint64(r.Slot)
}
