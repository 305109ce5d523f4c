package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/streamwell/pg-kafka-bridge/internal/ring"
)

func TestSingleInsertAcked(t *testing.T) {
	r := ring.New(4)
	r.MarkStreaming()
	cp := New(r)

	txn, err := r.Begin(7, 0x100)
	require.NoError(t, err)
	ring.RecordEnqueue(txn)
	require.NoError(t, r.Commit(7, 0x110))

	require.False(t, cp.Advance(), "must not advance while a row is still pending")
	require.Zero(t, cp.FsyncLSN())

	ring.RecordAck(txn)
	require.True(t, cp.Advance())
	require.Equal(t, uint64(0x110), cp.FsyncLSN())
	require.True(t, r.Empty())
}

func TestOutOfOrderAckDrainsInOrder(t *testing.T) {
	r := ring.New(4)
	r.MarkStreaming()
	cp := New(r)

	t1, err := r.Begin(7, 0x110)
	require.NoError(t, err)
	ring.RecordEnqueue(t1)
	require.NoError(t, r.Commit(7, 0x110))

	t2, err := r.Begin(8, 0x120)
	require.NoError(t, err)
	ring.RecordEnqueue(t2)
	require.NoError(t, r.Commit(8, 0x120))

	// T2's delivery arrives first.
	ring.RecordAck(t2)
	cp.Advance()
	require.Less(t, cp.FsyncLSN(), uint64(0x110))

	// T1 finally drains, unblocking both in commit order.
	ring.RecordAck(t1)
	cp.Advance()
	require.Equal(t, uint64(0x120), cp.FsyncLSN())
}

func TestFsyncLSNNeverRegresses(t *testing.T) {
	r := ring.New(4)
	r.MarkStreaming()
	cp := New(r)

	txn, err := r.Begin(1, 0x200)
	require.NoError(t, err)
	require.NoError(t, r.Commit(1, 0x200))
	require.True(t, cp.Advance())
	require.Equal(t, uint64(0x200), cp.FsyncLSN())

	// A pathological next transaction reports a smaller commit_lsn.
	// This cannot happen with a well-behaved decoder, but the
	// checkpointer must not regress if it does.
	txn2, err := r.Begin(2, 0x150)
	require.NoError(t, err)
	require.NoError(t, r.Commit(2, 0x150))
	require.False(t, cp.Advance())
	require.Equal(t, uint64(0x200), cp.FsyncLSN())
	require.True(t, r.Empty(), "the regressive slot is still drained from the ring")

	_ = txn
	_ = txn2
}

func TestSnapshotSentinelGatesOnItsOwnCommit(t *testing.T) {
	r := ring.New(4)
	cp := New(r)
	cp.MarkSnapshotStarted()

	txn, err := r.Begin(0, 0)
	require.NoError(t, err)
	ring.RecordEnqueue(txn)

	require.False(t, cp.Advance())
	require.True(t, cp.SnapshotPending())

	ring.RecordAck(txn)
	require.False(t, cp.Advance(), "snapshot slot has no commit_lsn yet")
	require.True(t, cp.SnapshotPending())

	require.NoError(t, r.Commit(0, 0x50))
	require.True(t, cp.Advance())
	require.False(t, cp.SnapshotPending())
}
