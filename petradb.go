// Package petradb assembles the storage-engine core: disk manager, buffer
// pool, write-ahead log, lock manager and transaction manager, with crash
// recovery on open.
package petradb

import (
	"fmt"
	"log/slog"

	"go.uber.org/multierr"

	"github.com/tuannm99/petradb/internal"
	"github.com/tuannm99/petradb/internal/buffer"
	"github.com/tuannm99/petradb/internal/index"
	"github.com/tuannm99/petradb/internal/recovery"
	"github.com/tuannm99/petradb/internal/storage"
	"github.com/tuannm99/petradb/internal/table"
	"github.com/tuannm99/petradb/internal/txn"
	"github.com/tuannm99/petradb/internal/wal"
)

// Config is re-exported so callers do not import internal.
type Config = internal.Config

// DefaultConfig returns the stock engine configuration.
func DefaultConfig() Config {
	return internal.DefaultConfig()
}

// LoadConfig reads a yaml config file.
func LoadConfig(path string) (*Config, error) {
	return internal.LoadConfig(path)
}

// Engine is one open database: a page file, its log, and the managers above
// them.
type Engine struct {
	cfg  Config
	disk *storage.DiskManager
	log  *wal.Manager // nil when logging is disabled
	pool *buffer.Pool

	lockMgr *txn.LockManager
	txnMgr  *txn.Manager
}

// Open builds the engine over the page file at dbPath. When a log file with
// content exists and logging is enabled, recovery runs before anything else
// touches the pages.
func Open(dbPath string, cfg Config) (*Engine, error) {
	disk, err := storage.NewDiskManager(dbPath, storage.Options{DirectIO: cfg.Storage.DirectIO})
	if err != nil {
		return nil, err
	}

	var logMgr *wal.Manager
	var gate buffer.WAL
	if cfg.Log.Enabled {
		logMgr = wal.NewManager(disk, cfg.Log.BufferSize, cfg.Log.Timeout)
		gate = logMgr
	}
	pool := buffer.NewPool(cfg.Storage.PoolSize, cfg.Storage.BucketSize, disk, gate)

	e := &Engine{
		cfg:     cfg,
		disk:    disk,
		log:     logMgr,
		pool:    pool,
		lockMgr: txn.NewLockManager(cfg.Txn.Strict2PL, cfg.Storage.BucketSize),
	}
	e.txnMgr = txn.NewManager(e.lockMgr, logMgr)

	if cfg.Log.Enabled && disk.LogSize() > 0 {
		slog.Info("petradb: running recovery", "logBytes", disk.LogSize())
		rec := recovery.New(disk, pool, cfg.Log.BufferSize)
		if err := rec.Run(); err != nil {
			cerr := disk.Close()
			return nil, multierr.Append(fmt.Errorf("petradb: recovery: %w", err), cerr)
		}
		pool.FlushAll()
		e.txnMgr.SeedTxnID(rec.MaxTxnID() + 1)
	}

	if err := e.ensureHeaderPage(); err != nil {
		cerr := disk.Close()
		return nil, multierr.Append(err, cerr)
	}

	if logMgr != nil {
		logMgr.RunFlusher()
	}
	return e, nil
}

// ensureHeaderPage materializes page 0 on a fresh database.
func (e *Engine) ensureHeaderPage() error {
	if e.disk.NumPages() > 0 {
		return nil
	}
	p, err := e.pool.NewPage()
	if err != nil {
		return err
	}
	if p.ID() != storage.HeaderPageID {
		return storage.ErrInvalidPageID
	}
	storage.AsHeaderPage(p).Init()
	e.pool.UnpinPage(p.ID(), true)
	e.pool.FlushPage(p.ID())
	return nil
}

// Begin opens a transaction.
func (e *Engine) Begin() *txn.Transaction {
	return e.txnMgr.Begin()
}

// Commit finishes t; the call returns once the commit record is durable.
func (e *Engine) Commit(t *txn.Transaction) {
	e.txnMgr.Commit(t)
}

// Abort rolls t back.
func (e *Engine) Abort(t *txn.Transaction) {
	e.txnMgr.Abort(t)
}

// CreateHeap creates a table heap and registers its first page id in the
// header page under name.
func (e *Engine) CreateHeap(name string, t *txn.Transaction) (*table.Heap, error) {
	h, err := table.NewHeap(e.pool, e.lockMgr, e.log, t)
	if err != nil {
		return nil, err
	}
	hp, err := e.pool.FetchPage(storage.HeaderPageID)
	if err != nil {
		return nil, err
	}
	hp.WLatch()
	err = storage.AsHeaderPage(hp).InsertRecord(name, h.FirstPageID())
	hp.WUnlatch()
	e.pool.UnpinPage(storage.HeaderPageID, err == nil)
	if err != nil {
		return nil, err
	}
	// Catalog updates are not journalled, so they reach disk eagerly.
	e.pool.FlushPage(storage.HeaderPageID)
	return h, nil
}

// OpenHeap reopens a heap registered under name.
func (e *Engine) OpenHeap(name string) (*table.Heap, error) {
	hp, err := e.pool.FetchPage(storage.HeaderPageID)
	if err != nil {
		return nil, err
	}
	hp.RLatch()
	first, ok := storage.AsHeaderPage(hp).GetRootID(name)
	hp.RUnlatch()
	e.pool.UnpinPage(storage.HeaderPageID, false)
	if !ok {
		return nil, fmt.Errorf("petradb: heap %q not found", name)
	}
	return table.OpenHeap(e.pool, e.lockMgr, e.log, first), nil
}

// OpenIndex opens (creating on first use) an int64-keyed B+ tree index named
// name.
func (e *Engine) OpenIndex(name string, opts ...index.Option) (*index.Tree[int64], error) {
	return index.NewTree[int64](name, e.pool, index.Int64Codec{}, opts...)
}

// Pool exposes the buffer pool for layers built on top of the engine.
func (e *Engine) Pool() *buffer.Pool {
	return e.pool
}

// TxnManager exposes the transaction manager.
func (e *Engine) TxnManager() *txn.Manager {
	return e.txnMgr
}

// LockManager exposes the lock manager.
func (e *Engine) LockManager() *txn.LockManager {
	return e.lockMgr
}

// Disk exposes the disk manager; the inspect tooling reads through it.
func (e *Engine) Disk() *storage.DiskManager {
	return e.disk
}

// Close flushes all pages, drains the log and closes the files.
func (e *Engine) Close() error {
	if e.log != nil {
		e.log.Force()
	}
	e.pool.FlushAll()
	if e.log != nil {
		e.log.StopFlusher()
	}
	return e.disk.Close()
}
