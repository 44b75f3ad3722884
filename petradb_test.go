package petradb

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/petradb/internal/storage"
	"github.com/tuannm99/petradb/internal/txn"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Storage.PoolSize = 16
	cfg.Log.Timeout = 20 * time.Millisecond
	return cfg
}

func TestEngine_OpenClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "petra.db")
	e, err := Open(path, testConfig())
	require.NoError(t, err)
	require.NoError(t, e.Close())

	// Reopen on the same files.
	e, err = Open(path, testConfig())
	require.NoError(t, err)
	require.NoError(t, e.Close())
}

func TestEngine_HeapAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "petra.db")
	e, err := Open(path, testConfig())
	require.NoError(t, err)

	tx := e.Begin()
	h, err := e.CreateHeap("accounts", tx)
	require.NoError(t, err)
	rid, err := h.InsertTuple([]byte("alice:100"), tx)
	require.NoError(t, err)
	e.Commit(tx)
	require.NoError(t, e.Close())

	e, err = Open(path, testConfig())
	require.NoError(t, err)
	defer func() { require.NoError(t, e.Close()) }()

	h2, err := e.OpenHeap("accounts")
	require.NoError(t, err)
	got, err := h2.GetTuple(rid, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("alice:100"), got)

	_, err = e.OpenHeap("missing")
	require.Error(t, err)
}

// crash abandons the engine the hard way: the log is already durable (or
// explicitly forced), dirty pages are NOT flushed, files are closed.
func crash(t *testing.T, e *Engine) {
	t.Helper()
	if e.log != nil {
		e.log.StopFlusher()
	}
	require.NoError(t, e.disk.Close())
}

// Commit durability: after Commit returns, the log contains everything up to
// the COMMIT record; killing the process and restarting redoes the insert.
func TestEngine_CommitDurableAcrossCrash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "petra.db")
	e, err := Open(path, testConfig())
	require.NoError(t, err)

	tx := e.Begin()
	h, err := e.CreateHeap("orders", tx)
	require.NoError(t, err)
	rid, err := h.InsertTuple([]byte("order-77"), tx)
	require.NoError(t, err)
	e.Commit(tx)

	crash(t, e)

	e, err = Open(path, testConfig())
	require.NoError(t, err)
	defer func() { require.NoError(t, e.Close()) }()

	h2, err := e.OpenHeap("orders")
	require.NoError(t, err)
	got, err := h2.GetTuple(rid, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("order-77"), got)
}

// Crash mid-transaction: the uncommitted insert reaches the log but restart
// undoes it.
func TestEngine_UncommittedUndoneAcrossCrash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "petra.db")
	e, err := Open(path, testConfig())
	require.NoError(t, err)

	setup := e.Begin()
	h, err := e.CreateHeap("stock", setup)
	require.NoError(t, err)
	keep, err := h.InsertTuple([]byte("committed"), setup)
	require.NoError(t, err)
	e.Commit(setup)

	tx := e.Begin()
	lost, err := h.InsertTuple([]byte("in-flight"), tx)
	require.NoError(t, err)
	e.log.Force() // the records hit disk, the commit never does

	crash(t, e)

	e, err = Open(path, testConfig())
	require.NoError(t, err)
	defer func() { require.NoError(t, e.Close()) }()

	h2, err := e.OpenHeap("stock")
	require.NoError(t, err)

	got, err := h2.GetTuple(keep, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("committed"), got)

	_, err = h2.GetTuple(lost, nil)
	require.ErrorIs(t, err, txn.ErrTupleNotFound)
}

func TestEngine_AbortRollsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "petra.db")
	e, err := Open(path, testConfig())
	require.NoError(t, err)
	defer func() { require.NoError(t, e.Close()) }()

	setup := e.Begin()
	h, err := e.CreateHeap("t", setup)
	require.NoError(t, err)
	e.Commit(setup)

	tx := e.Begin()
	rid, err := h.InsertTuple([]byte("oops"), tx)
	require.NoError(t, err)
	e.Abort(tx)

	check := e.Begin()
	_, err = h.GetTuple(rid, check)
	require.ErrorIs(t, err, txn.ErrTupleNotFound)
	e.Commit(check)
}

func TestEngine_IndexAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "petra.db")
	e, err := Open(path, testConfig())
	require.NoError(t, err)

	idx, err := e.OpenIndex("users_pk")
	require.NoError(t, err)
	for k := int64(1); k <= 100; k++ {
		ok, err := idx.Insert(k, storage.RID{PageID: uint32(k), Slot: 0}, nil)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, e.Close())

	e, err = Open(path, testConfig())
	require.NoError(t, err)
	defer func() { require.NoError(t, e.Close()) }()

	idx2, err := e.OpenIndex("users_pk")
	require.NoError(t, err)
	for k := int64(1); k <= 100; k++ {
		v, found, err := idx2.GetValue(k)
		require.NoError(t, err)
		require.True(t, found, "key %d", k)
		require.Equal(t, uint32(k), v.PageID)
	}

	it, err := idx2.Begin()
	require.NoError(t, err)
	defer it.Close()
	var prev int64
	n := 0
	for {
		k, _, ok := it.Next()
		if !ok {
			break
		}
		require.Greater(t, k, prev)
		prev = k
		n++
	}
	require.Equal(t, 100, n)
}

func TestEngine_LoggingDisabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "petra.db")
	cfg := testConfig()
	cfg.Log.Enabled = false

	e, err := Open(path, cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, e.Close()) }()

	tx := e.Begin()
	h, err := e.CreateHeap("scratch", tx)
	require.NoError(t, err)
	rid, err := h.InsertTuple([]byte("unlogged"), tx)
	require.NoError(t, err)
	e.Commit(tx)

	got, err := h.GetTuple(rid, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("unlogged"), got)
	require.Zero(t, e.disk.LogSize())
}

func TestEngine_StrictTwoPhaseLocking(t *testing.T) {
	path := filepath.Join(t.TempDir(), "petra.db")
	cfg := testConfig()
	cfg.Txn.Strict2PL = true

	e, err := Open(path, cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, e.Close()) }()

	tx := e.Begin()
	h, err := e.CreateHeap("t", tx)
	require.NoError(t, err)
	rid, err := h.InsertTuple([]byte("row"), tx)
	require.NoError(t, err)

	// Under strict 2PL an explicit unlock before commit is rejected.
	require.False(t, e.LockManager().Unlock(tx, rid))
	require.Equal(t, txn.Aborted, tx.State())
	e.Abort(tx)
	require.Empty(t, tx.ExclusiveLocks())
}

func TestEngine_LoadConfigFromYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "petradb.yaml")
	yaml := []byte("storage:\n  pool_size: 8\n  bucket_size: 16\nlog:\n  enabled: false\ntxn:\n  strict_2pl: true\n")
	require.NoError(t, os.WriteFile(cfgPath, yaml, 0o644))

	cfg, err := LoadConfig(cfgPath)
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Storage.PoolSize)
	require.Equal(t, 16, cfg.Storage.BucketSize)
	require.False(t, cfg.Log.Enabled)
	require.True(t, cfg.Txn.Strict2PL)
	require.Equal(t, time.Second, cfg.Log.Timeout, "defaults fill the gaps")
}
