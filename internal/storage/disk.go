package storage

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ncw/directio"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

// BlockFile is the slice of *os.File the disk manager needs. Tests substitute
// an in-memory implementation (memfile.File satisfies it minus Sync, which is
// optional via syncer).
type BlockFile interface {
	io.ReaderAt
	io.WriterAt
}

type syncer interface {
	Sync() error
}

// DiskManager performs block-addressed I/O on the page file and append/read
// I/O on the log file. Page allocation is monotonic; deallocation is logical
// only.
type DiskManager struct {
	pageFile BlockFile
	logFile  BlockFile

	nextPageID atomic.Uint32
	logSize    atomic.Int64

	closers []io.Closer
}

// Options tweak how NewDiskManager opens the backing files.
type Options struct {
	// DirectIO opens the page file with O_DIRECT where the platform
	// supports it. Page frames are already block-sized and block-aligned.
	DirectIO bool
}

// NewDiskManager opens (creating if absent) the page file at dbPath and the
// log file at dbPath+".log".
func NewDiskManager(dbPath string, opts Options) (*DiskManager, error) {
	openPage := func() (*os.File, error) {
		if opts.DirectIO {
			return directio.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, FileMode0644)
		}
		return os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, FileMode0644)
	}

	pf, err := openPage()
	if err != nil {
		return nil, fmt.Errorf("disk: open page file: %w", err)
	}
	lf, err := os.OpenFile(dbPath+".log", os.O_RDWR|os.O_CREATE, FileMode0644)
	if err != nil {
		cerr := pf.Close()
		return nil, multierr.Append(fmt.Errorf("disk: open log file: %w", err), cerr)
	}

	pinfo, err := pf.Stat()
	if err != nil {
		return nil, fmt.Errorf("disk: stat page file: %w", err)
	}
	linfo, err := lf.Stat()
	if err != nil {
		return nil, fmt.Errorf("disk: stat log file: %w", err)
	}

	dm := &DiskManager{
		pageFile: pf,
		logFile:  lf,
		closers:  []io.Closer{pf, lf},
	}
	dm.nextPageID.Store(uint32(pinfo.Size() / PageSize))
	dm.logSize.Store(linfo.Size())
	return dm, nil
}

// NewDiskManagerWithFiles builds a disk manager over caller-supplied block
// files. Used by tests with memfile-backed storage. When a file implements
// io.Seeker, the page cursor and log size are seeded from its current size,
// so a manager rebuilt over the same files sees their existing contents.
func NewDiskManagerWithFiles(pageFile, logFile BlockFile) *DiskManager {
	dm := &DiskManager{pageFile: pageFile, logFile: logFile}
	if s, ok := pageFile.(io.Seeker); ok {
		if size, err := s.Seek(0, io.SeekEnd); err == nil {
			dm.nextPageID.Store(uint32(size / PageSize))
		}
	}
	if s, ok := logFile.(io.Seeker); ok {
		if size, err := s.Seek(0, io.SeekEnd); err == nil {
			dm.logSize.Store(size)
		}
	}
	return dm
}

// ReadPage reads exactly one page into dst. Reading past the current end of
// the file yields a zero page, so lazily-allocated pages need no explicit
// extension.
func (d *DiskManager) ReadPage(pageID uint32, dst []byte) error {
	if len(dst) != PageSize {
		return ErrShortPage
	}
	if pageID == InvalidPageID {
		return ErrInvalidPageID
	}
	n, err := d.pageFile.ReadAt(dst, int64(pageID)*PageSize)
	if err != nil && err != io.EOF {
		return fmt.Errorf("disk: read page %d: %w", pageID, err)
	}
	clear(dst[n:])
	return nil
}

// WritePage writes exactly one page from src.
func (d *DiskManager) WritePage(pageID uint32, src []byte) error {
	if len(src) != PageSize {
		return ErrShortPage
	}
	if pageID == InvalidPageID {
		return ErrInvalidPageID
	}
	if _, err := d.pageFile.WriteAt(src, int64(pageID)*PageSize); err != nil {
		return fmt.Errorf("disk: write page %d: %w", pageID, err)
	}
	return nil
}

// AllocatePage hands out the next page id. The page materializes on first
// write; ReadPage of a never-written id returns zeroes.
func (d *DiskManager) AllocatePage() uint32 {
	return d.nextPageID.Inc() - 1
}

// DeallocatePage is logical only; the id is never reused and the file is not
// shrunk.
func (d *DiskManager) DeallocatePage(pageID uint32) {
	slog.Debug("disk: deallocate page", "pageID", pageID)
}

// EnsureAllocated advances the allocation cursor past pageID. Recovery uses
// it so that pages known only from the log are not handed out again.
func (d *DiskManager) EnsureAllocated(pageID uint32) {
	for {
		cur := d.nextPageID.Load()
		if cur > pageID {
			return
		}
		if d.nextPageID.CAS(cur, pageID+1) {
			return
		}
	}
}

// NumPages reports how many pages have been allocated so far.
func (d *DiskManager) NumPages() uint32 {
	return d.nextPageID.Load()
}

// WriteLog appends data to the log file and syncs it. An empty slice is a
// no-op.
func (d *DiskManager) WriteLog(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	off := d.logSize.Load()
	if _, err := d.logFile.WriteAt(data, off); err != nil {
		return fmt.Errorf("disk: write log: %w", err)
	}
	d.logSize.Add(int64(len(data)))
	if s, ok := d.logFile.(syncer); ok {
		if err := s.Sync(); err != nil {
			return fmt.Errorf("disk: sync log: %w", err)
		}
	}
	return nil
}

// ReadLog fills dst from the log file starting at offset. It returns the
// number of bytes read; n == 0 means the offset is at or past the end.
func (d *DiskManager) ReadLog(dst []byte, offset int64) (int, error) {
	size := d.logSize.Load()
	if offset >= size {
		return 0, nil
	}
	n, err := d.logFile.ReadAt(dst, offset)
	if err != nil && err != io.EOF {
		return 0, fmt.Errorf("disk: read log: %w", err)
	}
	return n, nil
}

// LogSize reports the current length of the log file in bytes.
func (d *DiskManager) LogSize() int64 {
	return d.logSize.Load()
}

func (d *DiskManager) Close() error {
	var err error
	for _, c := range d.closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}
