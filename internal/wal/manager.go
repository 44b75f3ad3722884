package wal

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/atomic"

	"github.com/tuannm99/petradb/internal/storage"
)

const (
	// DefaultBufferSize is the capacity of each of the two log buffers.
	DefaultBufferSize = 64 * storage.OneKB

	// DefaultFlushTimeout bounds how long appended records may sit in
	// memory before the flusher writes them out on its own.
	DefaultFlushTimeout = time.Second
)

var (
	ErrRecordTooLarge = errors.New("wal: record exceeds log buffer capacity")
)

// Manager is the double-buffered append log. Producers serialize records into
// logBuf under the latch and receive strictly monotonic LSNs. A dedicated
// flusher goroutine swaps logBuf with flushBuf and writes the latter out,
// waking on a timeout, on a producer whose record does not fit, or on a
// forcing caller. All records with LSN <= the swapped buffer's max become
// durable together, which is what makes commits group.
type Manager struct {
	disk *storage.DiskManager

	mu       sync.Mutex
	logBuf   []byte
	flushBuf []byte
	logOff   int
	flushOff int

	nextLSN   int64 // next LSN to assign; guarded by mu
	bufMaxLSN int64 // max LSN inside flushBuf while flushBusy

	// flushBusy is true from buffer swap until flushBuf has been written
	// and zeroed. Producers needing another swap wait on drained.
	flushBusy bool
	drained   *sync.Cond
	flushed   *sync.Cond

	persistent atomic.Int64

	timeout time.Duration
	kick    chan struct{}
	done    chan struct{}
	wg      conc.WaitGroup
	running bool
}

// NewManager builds a log manager over the disk manager's log file. Appends
// resume after the largest LSN already present in the file.
func NewManager(disk *storage.DiskManager, bufferSize int, timeout time.Duration) *Manager {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if timeout <= 0 {
		timeout = DefaultFlushTimeout
	}
	m := &Manager{
		disk:     disk,
		logBuf:   make([]byte, bufferSize),
		flushBuf: make([]byte, bufferSize),
		timeout:  timeout,
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	m.drained = sync.NewCond(&m.mu)
	m.flushed = sync.NewCond(&m.mu)
	// LSN 0 is never assigned: a raw zero page can then never alias a real
	// record's LSN during recovery comparisons, and LSN 0 counts as
	// vacuously durable.
	m.nextLSN = 1
	m.persistent.Store(0)
	m.restoreLSNs()
	return m
}

// restoreLSNs scans the existing log tail to find where LSN assignment should
// resume. Everything already in the file is durable.
func (m *Manager) restoreLSNs() {
	buf := make([]byte, len(m.logBuf))
	var offset int64
	last := storage.InvalidLSN
	for {
		n, err := m.disk.ReadLog(buf, offset)
		if err != nil || n == 0 {
			break
		}
		pos := 0
		for {
			rec, ok := Decode(buf[pos:n])
			if !ok {
				break
			}
			last = rec.LSN
			pos += int(rec.Size)
		}
		if pos == 0 {
			break
		}
		offset += int64(pos)
	}
	if last != storage.InvalidLSN {
		m.nextLSN = last + 1
		m.persistent.Store(last)
	}
}

// RunFlusher starts the background flush goroutine.
func (m *Manager) RunFlusher() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.wg.Go(m.flushLoop)
}

// StopFlusher drains outstanding records and joins the flusher.
func (m *Manager) StopFlusher() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()
	m.flushOnce() // final drain of whatever is still buffered
}

func (m *Manager) flushLoop() {
	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-m.kick:
		case <-timer.C:
		}
		m.flushOnce()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(m.timeout)
	}
}

// Append serializes the record, assigns its LSN and returns without waiting
// for durability. When the record does not fit in the remaining buffer space
// the buffers are swapped and the flusher is kicked.
func (m *Manager) Append(rec *Record) (int64, error) {
	size := int(rec.Size)
	if size > len(m.logBuf) {
		return storage.InvalidLSN, ErrRecordTooLarge
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.logOff+size > len(m.logBuf) {
		m.swapLocked()
		m.kickFlusher()
	}
	rec.LSN = m.nextLSN
	m.nextLSN++
	rec.Encode(m.logBuf[m.logOff:])
	m.logOff += size
	return rec.LSN, nil
}

// swapLocked exchanges the producer and flush buffers. Waits for an in-flight
// flush to drain first. Caller holds mu.
func (m *Manager) swapLocked() {
	for m.flushBusy {
		m.drained.Wait()
	}
	m.logBuf, m.flushBuf = m.flushBuf, m.logBuf
	m.flushOff = m.logOff
	m.logOff = 0
	m.bufMaxLSN = m.nextLSN - 1
	m.flushBusy = true
}

func (m *Manager) kickFlusher() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// flushOnce writes the flush buffer to disk and publishes the new persistent
// LSN. When no swap is pending it claims the producer buffer itself.
func (m *Manager) flushOnce() {
	m.mu.Lock()
	if !m.flushBusy {
		if m.logOff == 0 {
			m.mu.Unlock()
			return
		}
		m.swapLocked()
	}
	buf := m.flushBuf[:m.flushOff]
	maxLSN := m.bufMaxLSN
	m.mu.Unlock()

	if err := m.disk.WriteLog(buf); err != nil {
		// I/O failure on the log device is fatal for durability; keep
		// the buffer and surface loudly. Waiters stay blocked rather
		// than observing a lying persistent LSN.
		slog.Error("wal: log flush failed", "err", err)
		return
	}
	m.persistent.Store(maxLSN)

	m.mu.Lock()
	clear(m.flushBuf[:m.flushOff])
	m.flushOff = 0
	m.flushBusy = false
	m.drained.Broadcast()
	m.flushed.Broadcast()
	m.mu.Unlock()
}

// PersistentLSN reports the largest LSN whose record is durable on disk.
func (m *Manager) PersistentLSN() int64 {
	return m.persistent.Load()
}

// WaitPersistent blocks until persistentLSN >= lsn.
func (m *Manager) WaitPersistent(lsn int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.persistent.Load() < lsn {
		m.flushed.Wait()
	}
}

// FlushUntil kicks the flusher and blocks until lsn is durable. Used by the
// buffer pool before writing back a dirty page (WAL rule) and by commit.
func (m *Manager) FlushUntil(lsn int64) {
	for m.persistent.Load() < lsn {
		m.kickFlusher()
		m.mu.Lock()
		for m.persistent.Load() < lsn {
			m.flushed.Wait()
		}
		m.mu.Unlock()
	}
}

// Force wakes the flusher and waits until everything appended so far is
// durable.
func (m *Manager) Force() {
	m.mu.Lock()
	target := m.nextLSN - 1
	m.mu.Unlock()
	if target < 0 {
		return
	}
	m.FlushUntil(target)
}
