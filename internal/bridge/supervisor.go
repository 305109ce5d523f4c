// Package bridge implements the Supervisor / event loop: the single
// goroutine that owns the transaction ring, table mapper, checkpointer,
// and producer bridge, and drives them from the eight upstream
// replication callbacks.
package bridge

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/streamwell/pg-kafka-bridge/internal/checkpoint"
	"github.com/streamwell/pg-kafka-bridge/internal/encoder"
	"github.com/streamwell/pg-kafka-bridge/internal/mapper"
	"github.com/streamwell/pg-kafka-bridge/internal/metrics"
	"github.com/streamwell/pg-kafka-bridge/internal/replication"
	"github.com/streamwell/pg-kafka-bridge/internal/ring"
	"github.com/streamwell/pg-kafka-bridge/internal/stopper"
	"github.com/streamwell/pg-kafka-bridge/internal/types"
)

// State is the Supervisor's lifecycle state.
type State int

const (
	Initialising State = iota
	Snapshotting
	Streaming
	Draining
)

func (s State) String() string {
	switch s {
	case Initialising:
		return "initialising"
	case Snapshotting:
		return "snapshotting"
	case Streaming:
		return "streaming"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

// backpressurePoll bounds a single backpressure wait cycle.
const backpressurePoll = 200 * time.Millisecond

// cleanupGrace bounds how long shutdown waits for the producer to
// flush; it is also the grace passed to Stop on a fatal producer
// condition.
const cleanupGrace = 5 * time.Second

// Producer is the narrow slice of internal/producer.Bridge the
// supervisor drives directly (topic allocation is the mapper's
// concern, wired separately).
type Producer interface {
	Send(ctx context.Context, meta *mapper.TableMetadata, txn *ring.TransactionInfo, relid uint32, walPos uint64, key, value []byte, backoff func(context.Context) error) error
	Poll(timeout time.Duration) int
}

// Supervisor is the core event loop. It implements
// replication.Handler: the decoder drives it directly.
type Supervisor struct {
	ring       *ring.Ring
	checkpoint *checkpoint.Checkpointer
	mapper     *mapper.Mapper
	encoder    encoder.Encoder
	producer   Producer
	decoder    replication.Decoder

	policy       types.ErrorPolicy
	allowUnkeyed bool
	observer     types.RowObserver

	stop   *stopper.Context
	runCtx context.Context

	state State
}

var _ replication.Handler = (*Supervisor)(nil)

// Config bundles the Supervisor's policy-level knobs, separate from
// its collaborators (wired individually, see provider.go).
type Config struct {
	Policy       types.ErrorPolicy
	AllowUnkeyed bool
	SlotName     string
	SkipSnapshot bool
	Observer     types.RowObserver
}

// New assembles a Supervisor from its collaborators. Kept small and
// dependency-injected on purpose: every collaborator is a constructor
// argument rather than something reached for in a global.
func New(
	r *ring.Ring,
	cp *checkpoint.Checkpointer,
	m *mapper.Mapper,
	enc encoder.Encoder,
	prod Producer,
	dec replication.Decoder,
	cfg Config,
) *Supervisor {
	return &Supervisor{
		ring:         r,
		checkpoint:   cp,
		mapper:       m,
		encoder:      enc,
		producer:     prod,
		decoder:      dec,
		policy:       cfg.Policy,
		allowUnkeyed: cfg.AllowUnkeyed,
		observer:     cfg.Observer,
		state:        Initialising,
	}
}

// State reports the Supervisor's current lifecycle state.
func (s *Supervisor) State() State { return s.state }

// Run drives the main loop until Stop is called or a fatal condition
// occurs, then closes the replication connection. Flushing and closing
// the producer is left to the cleanup returned by InitializeSupervisor.
func (s *Supervisor) Run(ctx context.Context, slotName string, skipSnapshot bool) error {
	s.stop = stopper.WithContext(ctx)
	s.runCtx = s.stop

	created, err := s.decoder.Start(s.stop, slotName, skipSnapshot)
	switch {
	case errors.Is(err, replication.ErrNoSnapshot):
		s.state = Streaming
		s.ring.MarkStreaming()
	case err != nil:
		return errors.Wrap(err, "starting replication")
	case created:
		s.state = Snapshotting
		s.checkpoint.MarkSnapshotStarted()
	default:
		s.state = Streaming
		s.ring.MarkStreaming()
	}

	runErr := s.loop()

	// Drop the slot only on an unclean exit with a snapshot still in
	// flight, so the next run restarts it from scratch.
	dropSlot := runErr != nil && s.checkpoint.SnapshotPending()
	if closeErr := s.decoder.Close(context.Background(), dropSlot); closeErr != nil {
		log.WithError(closeErr).Warn("error closing replication connection during shutdown")
	}
	return runErr
}

func (s *Supervisor) loop() error {
	for {
		select {
		case <-s.stop.Stopping():
			s.state = Draining
			return nil
		default:
		}

		// Bound the upstream wait so an idle stream falls through to
		// backpressure, which services deliveries and sends a keepalive.
		pollCtx, cancel := context.WithTimeout(s.runCtx, backpressurePoll)
		progressed, err := s.decoder.Process(pollCtx, s)
		cancel()
		if errors.Is(err, errShuttingDown) {
			// Stop observed inside a callback; drain at the top of the loop.
			continue
		}
		if err != nil {
			return err
		}
		if !progressed {
			if err := s.backpressure(s.runCtx); err != nil {
				if errors.Is(err, errShuttingDown) {
					continue
				}
				return err
			}
			continue
		}

		s.producer.Poll(0)

		if s.state == Snapshotting && !s.checkpoint.SnapshotPending() {
			log.Info("initial snapshot complete, entering streaming state")
			s.state = Streaming
		}

		metrics.RingOccupancy.Set(float64(s.ring.Len()))
	}
}

// backpressure is the single bounded operation that services delivery
// callbacks, checks for a pending shutdown, and reports the current
// acknowledged position upstream without consuming new bytes. Callers
// (Send's enqueue retry, OnBegin's ring-full retry) loop on it until
// their own precondition clears.
func (s *Supervisor) backpressure(ctx context.Context) error {
	metrics.BackpressureEventsTotal.WithLabelValues("invoked").Inc()
	s.producer.Poll(backpressurePoll)

	select {
	case <-s.stop.Stopping():
		return errShuttingDown
	default:
	}

	return s.decoder.SendKeepalive(ctx, s.checkpoint.FsyncLSN())
}

var errShuttingDown = errors.New("shutting down")

// handle centralizes the error-policy dispatch: one small switch,
// rather than every callback re-deciding log-vs-exit. always forces
// Fatal regardless of the configured policy; upstream protocol
// violations and unknown-relation references are never
// policy-controlled.
func (s *Supervisor) handle(always bool, err error) error {
	if err == nil {
		return nil
	}
	if always || s.policy == types.PolicyExit {
		log.WithError(err).Error("fatal condition, shutting down")
		return err
	}
	log.WithError(err).Warn("continuing under log error policy")
	return nil
}

// OnBegin implements replication.Handler.
func (s *Supervisor) OnBegin(xid uint32, walPos uint64) error {
	for {
		_, err := s.ring.Begin(xid, walPos)
		if err == nil {
			return nil
		}
		if !errors.Is(err, types.ErrRingFull) {
			return s.handle(true, err)
		}
		if bpErr := s.backpressure(s.runCtx); bpErr != nil {
			return bpErr
		}
	}
}

// OnCommit implements replication.Handler.
func (s *Supervisor) OnCommit(xid uint32, walPos uint64) error {
	if err := s.ring.Commit(xid, walPos); err != nil {
		return s.handle(true, err)
	}
	if s.checkpoint.Advance() {
		metrics.CheckpointAdvanceTotal.Inc()
	}
	return nil
}

// OnRelation implements replication.Handler.
func (s *Supervisor) OnRelation(relid uint32, namespace, table, keySchemaText, valueSchemaText string, walPos uint64) error {
	_, err := s.mapper.Update(s.runCtx, relid, namespace, table, keySchemaText, valueSchemaText)
	return s.handle(false, err)
}

// OnInsert implements replication.Handler.
func (s *Supervisor) OnInsert(relid uint32, key, value []byte, walPos uint64) error {
	if key == nil && !s.allowUnkeyed {
		log.WithField("relid", relid).Debug("dropping insert from unkeyed table")
		return nil
	}
	return s.handleRowEvent(s.encodeAndSend(relid, key, value, walPos))
}

// OnUpdate implements replication.Handler.
func (s *Supervisor) OnUpdate(relid uint32, key, oldValue, newValue []byte, walPos uint64) error {
	if key == nil && !s.allowUnkeyed {
		log.WithField("relid", relid).Debug("dropping update from unkeyed table")
		return nil
	}
	return s.handleRowEvent(s.encodeAndSend(relid, key, newValue, walPos))
}

// OnDelete implements replication.Handler. A delete with no key cannot
// carry a meaningful tombstone (there is no way to identify which
// compacted record to remove), so it is always dropped regardless of
// AllowUnkeyed.
func (s *Supervisor) OnDelete(relid uint32, key, oldValue []byte, walPos uint64) error {
	if key == nil {
		log.WithField("relid", relid).Debug("dropping delete from unkeyed table")
		return nil
	}
	return s.handleRowEvent(s.encodeAndSend(relid, key, nil, walPos))
}

// handleRowEvent routes a row-event error through the policy dispatch,
// except for types.ErrUnknownRelation, which is always fatal
// ("indicates decoder misuse") regardless of ErrorPolicy.
func (s *Supervisor) handleRowEvent(err error) error {
	if errors.Is(err, types.ErrUnknownRelation) {
		return s.handle(true, err)
	}
	return s.handle(false, err)
}

// OnKeepalive implements replication.Handler. The disposition is keyed
// on ring occupancy, not snapshot state: any open, not-yet-fully-acked
// transaction (snapshot or otherwise) means the checkpointer's
// fsync_lsn is stale and must not be reported yet.
func (s *Supervisor) OnKeepalive(walPos uint64) (uint64, replication.KeepaliveDisposition, error) {
	if !s.ring.Empty() {
		return 0, replication.SyncPending, nil
	}
	return s.checkpoint.FsyncLSN(), replication.AckAdvance, nil
}

// OnError implements replication.Handler.
func (s *Supervisor) OnError(code int, message string) error {
	return s.handle(false, errors.Errorf("upstream client error %d: %s", code, message))
}

// encodeAndSend implements the row-event path shared by insert, update,
// and delete: look up the relation's topic and schema ids, encode the
// key/value pair, and hand it to the producer bridge attributed to the
// ring's current head transaction.
func (s *Supervisor) encodeAndSend(relid uint32, key, value []byte, walPos uint64) error {
	meta, err := s.mapper.Lookup(relid)
	if err != nil {
		return err
	}
	txn, ok := s.ring.Head()
	if !ok {
		return errors.New("row event outside any open transaction")
	}

	encodedKey, err := s.encoder.EncodeKey(encoder.Schema{ID: meta.KeySchemaID, Text: meta.KeySchemaText}, key)
	if err != nil {
		return errors.Wrap(err, "encoding key")
	}
	encodedValue, err := s.encoder.EncodeValue(encoder.Schema{ID: meta.ValueSchemaID, Text: meta.ValueSchemaText}, value)
	if err != nil {
		return errors.Wrap(err, "encoding value")
	}

	if err := s.producer.Send(s.runCtx, meta, txn, relid, walPos, encodedKey, encodedValue, s.backpressure); err != nil {
		return err
	}

	if s.observer != nil {
		s.observer.ObserveRow(relid, meta.Topic.Name(), encodedKey, encodedValue, walPos)
	}
	return nil
}

// Stop requests a graceful shutdown: it closes the stopper's Stopping
// channel, which the main loop checks once per iteration, and cancels
// the run context. It does not wait for the main loop to return, since
// the loop runs on Run's goroutine rather than one started through the
// stopper; grace only bounds the wait for stopper-tracked goroutines.
func (s *Supervisor) Stop(grace time.Duration) {
	if s.stop != nil {
		_ = s.stop.Stop(grace)
	}
}
