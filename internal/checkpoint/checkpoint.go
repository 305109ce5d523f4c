// Package checkpoint implements the durability checkpointer: it walks
// the transaction ring from the tail and advances the upstream
// acknowledged log position (fsync_lsn) past any run of transactions
// that are both committed and fully acknowledged downstream.
package checkpoint

import (
	log "github.com/sirupsen/logrus"

	"github.com/streamwell/pg-kafka-bridge/internal/metrics"
	"github.com/streamwell/pg-kafka-bridge/internal/ring"
)

// Checkpointer owns the single fsync_lsn value reported back to the
// upstream replication connection. It holds no lock: like the ring it
// wraps, it is only ever touched from the supervisor goroutine.
type Checkpointer struct {
	ring            *ring.Ring
	fsyncLSN        uint64
	snapshotPending bool
}

// New creates a Checkpointer bound to the given ring.
func New(r *ring.Ring) *Checkpointer {
	return &Checkpointer{ring: r}
}

// FsyncLSN returns the upstream position currently safe to acknowledge.
func (c *Checkpointer) FsyncLSN() uint64 { return c.fsyncLSN }

// MarkSnapshotStarted records that transaction 0 (the initial
// snapshot) is in flight, so that a crash before its commit is
// observed causes the supervisor to drop the replication slot on
// exit.
func (c *Checkpointer) MarkSnapshotStarted() { c.snapshotPending = true }

// SnapshotPending reports whether the initial snapshot transaction has
// not yet been fully checkpointed.
func (c *Checkpointer) SnapshotPending() bool { return c.snapshotPending }

// Advance walks the ring from the tail, draining every transaction
// whose pending_events has reached zero and which is committed
// (commit_lsn > 0). The snapshot sentinel (xid 0) is held like any
// other transaction until its own commit arrives. It returns true if
// fsync_lsn strictly advanced.
//
// Called after every commit event and after every successful
// delivery.
func (c *Checkpointer) Advance() bool {
	advanced := false
	for {
		tail, ok := c.ring.Tail()
		if !ok {
			break
		}
		if tail.PendingEvents != 0 {
			break
		}
		committed := tail.CommitLSN > 0
		if !committed {
			// Either a transaction whose commit hasn't arrived yet, or
			// the snapshot sentinel still awaiting its own commit.
			// Either way, this is not yet drainable.
			break
		}

		switch {
		case tail.CommitLSN > c.fsyncLSN:
			c.fsyncLSN = tail.CommitLSN
			advanced = true
			log.WithFields(log.Fields{
				"xid":       tail.Xid,
				"fsync_lsn": c.fsyncLSN,
			}).Debug("checkpoint advanced")
		case tail.CommitLSN < c.fsyncLSN:
			metrics.CheckpointRegressionTotal.Inc()
			log.WithFields(log.Fields{
				"xid":          tail.Xid,
				"commit_lsn":   tail.CommitLSN,
				"current_lsn":  c.fsyncLSN,
			}).Warn("checkpoint position would regress; not advancing fsync_lsn")
		}

		if tail.Xid == 0 {
			c.snapshotPending = false
		}
		c.ring.AdvanceTail()
	}
	return advanced
}
