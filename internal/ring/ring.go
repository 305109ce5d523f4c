// Package ring implements the bounded in-flight transaction tracker:
// a fixed-capacity circular buffer of TransactionInfo records, ordered
// by upstream commit order, which the checkpointer drains from the
// tail as deliveries are acknowledged.
//
// The ring holds no locks. It is only ever touched from the single
// supervisor goroutine between explicit poll points.
package ring

import (
	"github.com/pkg/errors"

	"github.com/streamwell/pg-kafka-bridge/internal/types"
)

// DefaultInFlight is the number of concurrently in-flight transactions
// the ring tracks before begin() reports ErrRingFull: 1000 in-flight
// plus one sentinel slot.
const DefaultInFlight = 1000

// TransactionInfo tracks one upstream transaction from begin to
// checkpoint. Envelopes hold a pointer directly into the ring's backing
// array; the slot is never reallocated for the lifetime of the Ring,
// so the pointer stays valid for as long as PendingEvents > 0 keeps the
// slot from being reused.
type TransactionInfo struct {
	// Xid is the upstream transaction id. 0 is reserved for the
	// initial snapshot.
	Xid uint32
	// RecvdEvents counts every row event enqueued for this
	// transaction, successful or not yet acknowledged.
	RecvdEvents uint64
	// PendingEvents counts events enqueued but not yet acknowledged by
	// the broker. The checkpointer may only advance past a slot whose
	// PendingEvents is zero.
	PendingEvents uint64
	// CommitLSN is zero until the commit event for this transaction
	// arrives, after which it holds the upstream log position to
	// acknowledge once the slot drains.
	CommitLSN uint64
}

// Ring is the bounded, ordered buffer of TransactionInfo. Capacity is
// inFlight+1: the extra slot is a sentinel that is never filled, so the
// ring reports full at inFlight transactions. Occupancy is kept in the
// length counter, which always equals (capacity + head + 1 - tail) %
// capacity.
type Ring struct {
	capacity uint32
	slots    []TransactionInfo
	head     uint32
	tail     uint32
	length   uint32
	started  bool
}

// New creates a Ring that tracks up to inFlight concurrent
// transactions.
func New(inFlight uint32) *Ring {
	capacity := inFlight + 1
	return &Ring{
		capacity: capacity,
		slots:    make([]TransactionInfo, capacity),
		// head starts one slot "behind" zero so that the first Begin
		// lands on index 0, matching tail's zero-initialized value.
		head: capacity - 1,
		tail: 0,
	}
}

// Len reports the number of in-flight transactions currently tracked.
func (r *Ring) Len() uint32 { return r.length }

// Empty reports whether the ring holds no in-flight transaction.
func (r *Ring) Empty() bool { return r.length == 0 }

// Full reports whether the ring is at capacity; begin() must not be
// called again until the tail has advanced.
func (r *Ring) Full() bool { return r.length == r.capacity-1 }

// Capacity returns the total number of slots, including the sentinel.
func (r *Ring) Capacity() uint32 { return r.capacity }

// Begin opens a new transaction at the head of the ring. It returns
// types.ErrRingFull if the ring has no free slot; the caller is
// expected to drive the backpressure routine and retry until a slot
// frees.
//
// xid == 0 is reserved for the initial snapshot. Unless MarkStreaming
// was called up front (the replication slot already existed, or the
// snapshot was skipped), the first transaction of a run must be xid 0
// and a nonzero xid is rejected. Once the run has started, xid 0 is
// only accepted while the ring is empty and its tail index is 0.
func (r *Ring) Begin(xid uint32, walPos uint64) (*TransactionInfo, error) {
	if r.Full() {
		return nil, types.ErrRingFull
	}
	if xid == 0 {
		if r.started && (r.length != 0 || r.tail != 0) {
			return nil, errors.WithStack(types.ErrSnapshotOutOfOrder)
		}
	} else if !r.started {
		return nil, errors.WithStack(types.ErrSnapshotOutOfOrder)
	}

	r.head = (r.head + 1) % r.capacity
	r.slots[r.head] = TransactionInfo{Xid: xid}
	r.length++
	r.started = true
	return &r.slots[r.head], nil
}

// MarkStreaming records that this run begins already streaming with no
// initial snapshot transaction to come (the replication slot already
// existed, or --skipSnapshot was set), so the first real transaction
// may legitimately carry a nonzero xid.
func (r *Ring) MarkStreaming() { r.started = true }

// Head returns the transaction currently receiving row events, i.e. the
// most recently begun and not-yet-committed transaction. Row events
// between a begin and its commit are always attributed to this slot.
func (r *Ring) Head() (*TransactionInfo, bool) {
	if r.Empty() {
		return nil, false
	}
	return &r.slots[r.head], true
}

// Commit records the commit log position for the transaction at the
// head of the ring. The head's xid must match exactly; any mismatch
// indicates upstream protocol corruption or decoder misuse and is
// always fatal.
func (r *Ring) Commit(xid uint32, walPos uint64) error {
	head, ok := r.Head()
	if !ok || head.Xid != xid {
		return errors.WithStack(types.ErrCommitMismatch)
	}
	head.CommitLSN = walPos
	return nil
}

// Tail returns the oldest not-yet-checkpointed transaction, if any.
func (r *Ring) Tail() (*TransactionInfo, bool) {
	if r.Empty() {
		return nil, false
	}
	return &r.slots[r.tail], true
}

// AdvanceTail drops the oldest transaction from the ring. Callers
// (internal/checkpoint) must only call this once the tail predicate
// (pending_events == 0 and committed) holds.
func (r *Ring) AdvanceTail() {
	if r.Empty() {
		return
	}
	r.tail = (r.tail + 1) % r.capacity
	r.length--
}

// RecordEnqueue marks one more row event as sent to the producer for
// the given transaction, incrementing both its received and pending
// counters.
func RecordEnqueue(txn *TransactionInfo) {
	txn.RecvdEvents++
	txn.PendingEvents++
}

// RecordAck marks one row event as acknowledged by the broker,
// decrementing the pending counter. The delivery callback calls it on
// success, and on failure under the "log" error policy, which treats a
// failed delivery as acknowledged to avoid a permanent stall; under
// the "exit" policy a failed delivery is not acknowledged.
func RecordAck(txn *TransactionInfo) {
	if txn.PendingEvents > 0 {
		txn.PendingEvents--
	}
}
