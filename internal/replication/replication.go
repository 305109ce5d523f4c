// Package replication adapts PostgreSQL logical replication (pgoutput
// over the streaming replication protocol) to the eight upstream
// callbacks the supervisor consumes. The core never parses a pgoutput
// message itself.
package replication

import (
	"context"

	"github.com/pkg/errors"
)

// KeepaliveDisposition is the special SYNC_PENDING return of the
// keepalive callback, modeled as a Go enum instead of a magic status
// code.
type KeepaliveDisposition int

const (
	// AckAdvance means the keepalive's wal_pos is safe to report
	// upstream as acknowledged.
	AckAdvance KeepaliveDisposition = iota
	// SyncPending means the checkpointer has not drained far enough to
	// acknowledge this position yet; the supervisor must not advance
	// the upstream status update past its last known-good value.
	SyncPending
)

// Handler receives the eight upstream event callbacks, in commit
// order, from a single goroutine (the one driving Process).
// internal/bridge.Supervisor implements this interface; the decoder
// never holds a reference to ring/mapper/producer types directly, only
// to this interface, so the replication wire format and the core event
// loop can be tested independently.
type Handler interface {
	OnBegin(xid uint32, walPos uint64) error
	OnCommit(xid uint32, walPos uint64) error
	OnRelation(relid uint32, namespace, table, keySchemaText, valueSchemaText string, walPos uint64) error
	OnInsert(relid uint32, key, value []byte, walPos uint64) error
	OnUpdate(relid uint32, key, oldValue, newValue []byte, walPos uint64) error
	OnDelete(relid uint32, key, oldValue []byte, walPos uint64) error
	// OnKeepalive is invoked when the decoder receives a primary
	// keepalive message. It returns the log position that is safe to
	// report as acknowledged (normally the checkpointer's current
	// fsync_lsn, which may trail walPos) and whether the decoder should
	// report it at all: SyncPending means "not yet", e.g. while the
	// initial snapshot is still in flight.
	OnKeepalive(walPos uint64) (ackLSN uint64, disposition KeepaliveDisposition, err error)
	OnError(code int, message string) error
}

// Decoder is the upstream decoder boundary: the low-level replication
// wire protocol decoder that emits begin/commit/row callbacks, which
// the core consumes without knowing its internals.
type Decoder interface {
	// Start negotiates START_REPLICATION on the given slot, creating it
	// (and performing the initial snapshot copy as transaction 0,
	// unless skipSnapshot) if it did not already exist. It reports
	// whether the slot was newly created, which the supervisor uses to
	// decide whether to enter the Snapshotting state.
	Start(ctx context.Context, slot string, skipSnapshot bool) (created bool, err error)

	// Process waits up to the given context's deadline for the next
	// replication message and dispatches it to h. It returns false
	// (with a nil error) if no message arrived before the deadline, so
	// the supervisor's main loop can fall through to its backpressure
	// step.
	Process(ctx context.Context, h Handler) (bool, error)

	// SendKeepalive reports ackLSN as the current acknowledged upstream
	// position, without consuming new upstream bytes.
	SendKeepalive(ctx context.Context, ackLSN uint64) error

	// Close releases the replication connection. If dropSlot is true,
	// the replication slot is dropped first so the next run restarts
	// its snapshot.
	Close(ctx context.Context, dropSlot bool) error
}

// ErrNoSnapshot is returned by Start when skipSnapshot is true and the
// slot did not already exist: there is no transaction 0 to feed, so the
// supervisor moves straight to Streaming.
var ErrNoSnapshot = errors.New("replication slot created with snapshot skipped")
