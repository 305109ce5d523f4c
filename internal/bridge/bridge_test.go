package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/streamwell/pg-kafka-bridge/internal/checkpoint"
	"github.com/streamwell/pg-kafka-bridge/internal/encoder"
	"github.com/streamwell/pg-kafka-bridge/internal/mapper"
	"github.com/streamwell/pg-kafka-bridge/internal/registry"
	"github.com/streamwell/pg-kafka-bridge/internal/replication"
	"github.com/streamwell/pg-kafka-bridge/internal/ring"
	"github.com/streamwell/pg-kafka-bridge/internal/stopper"
	"github.com/streamwell/pg-kafka-bridge/internal/types"
)

// fakeDecoder is a no-op replication.Decoder: these tests drive the
// Supervisor's Handler callbacks directly and only need a decoder
// present so backpressure's keepalive step has somewhere to go.
type fakeDecoder struct {
	keepalives []uint64
}

func (d *fakeDecoder) Start(context.Context, string, bool) (bool, error) { return false, nil }
func (d *fakeDecoder) Process(context.Context, replication.Handler) (bool, error) {
	return false, nil
}
func (d *fakeDecoder) SendKeepalive(_ context.Context, ackLSN uint64) error {
	d.keepalives = append(d.keepalives, ackLSN)
	return nil
}
func (d *fakeDecoder) Close(context.Context, bool) error { return nil }

var _ replication.Decoder = (*fakeDecoder)(nil)

type sentMessage struct {
	relid uint32
	key   []byte
	value []byte
}

type fakeTopic struct{ name string }

func (f fakeTopic) Name() string { return f.name }

type fakeAllocator struct{ topics map[string]mapper.TopicHandle }

func (a *fakeAllocator) Topic(name string) (mapper.TopicHandle, error) {
	if a.topics == nil {
		a.topics = make(map[string]mapper.TopicHandle)
	}
	if h, ok := a.topics[name]; ok {
		return h, nil
	}
	h := fakeTopic{name: name}
	a.topics[name] = h
	return h, nil
}

type fakeRegistry struct {
	nextID     int32
	registered map[string]int32
}

func (r *fakeRegistry) EnsureSchema(_ context.Context, subject, schemaText string) (int32, error) {
	if r.registered == nil {
		r.registered = make(map[string]int32)
	}
	key := subject + "\x00" + schemaText
	if id, ok := r.registered[key]; ok {
		return id, nil
	}
	r.nextID++
	r.registered[key] = r.nextID
	return r.nextID, nil
}

var _ registry.Client = (*fakeRegistry)(nil)

// fakeProducer stands in for internal/producer.Bridge. queueFullRemaining
// simulates a run of queue-full rejections before Send succeeds. When it
// does succeed, it synchronously performs what the real producer's
// delivery callback would do on an immediate successful delivery:
// acknowledge the row and re-run the checkpointer, so tests can assert
// ring/checkpoint state without a goroutine or channel.
type fakeProducer struct {
	queueFullRemaining   int
	backoffCalls         int
	sent                 []sentMessage
	cp                   *checkpoint.Checkpointer
	deliverSynchronously bool
}

func (f *fakeProducer) Send(
	ctx context.Context, meta *mapper.TableMetadata, txn *ring.TransactionInfo,
	relid uint32, walPos uint64, key, value []byte, backoff func(context.Context) error,
) error {
	for f.queueFullRemaining > 0 {
		f.queueFullRemaining--
		f.backoffCalls++
		if err := backoff(ctx); err != nil {
			return err
		}
	}
	ring.RecordEnqueue(txn)
	f.sent = append(f.sent, sentMessage{relid, key, value})
	if f.deliverSynchronously {
		ring.RecordAck(txn)
		f.cp.Advance()
	}
	return nil
}

func (f *fakeProducer) Poll(_ time.Duration) int { return 0 }

// newTestSupervisor wires a Supervisor over fakes. streaming mirrors the
// Supervisor.Run bookkeeping that marks the ring as not expecting an
// xid=0 snapshot transaction (an already-existing replication slot, or
// --skipSnapshot); scenarios that aren't specifically about that
// invariant pass true so a literal nonzero first xid doesn't trip it.
func newTestSupervisor(prod *fakeProducer, allowUnkeyed, streaming bool) (*Supervisor, *ring.Ring, *checkpoint.Checkpointer) {
	r := ring.New(4)
	if streaming {
		r.MarkStreaming()
	}
	cp := checkpoint.New(r)
	prod.cp = cp
	reg := &fakeRegistry{}
	alloc := &fakeAllocator{}
	m := mapper.New(alloc, reg, "")
	enc := encoder.New(types.FormatBinary)

	sup := New(r, cp, m, enc, prod, &fakeDecoder{}, Config{Policy: types.PolicyLog, AllowUnkeyed: allowUnkeyed})
	stop := stopper.WithContext(context.Background())
	sup.stop = stop
	sup.runCtx = stop
	return sup, r, cp
}

func TestScenarioSingleInsertAcked(t *testing.T) {
	prod := &fakeProducer{deliverSynchronously: true}
	sup, r, cp := newTestSupervisor(prod, false, true)

	require.NoError(t, sup.OnBegin(7, 0x100))
	require.NoError(t, sup.OnRelation(1, "pgkafkabridge.public", "widgets", "k", "v", 0x100))
	require.NoError(t, sup.OnInsert(1, []byte{0x01}, []byte{0x02}, 0x108))
	require.NoError(t, sup.OnCommit(7, 0x110))

	require.Len(t, prod.sent, 1)
	require.EqualValues(t, 0x110, cp.FsyncLSN())
	require.True(t, r.Empty())
}

func TestScenarioOutOfOrderAckDrainsInOrder(t *testing.T) {
	prod := &fakeProducer{} // manual delivery control
	sup, r, cp := newTestSupervisor(prod, false, true)

	require.NoError(t, sup.OnRelation(1, "pgkafkabridge.public", "widgets", "k", "v", 0))

	require.NoError(t, sup.OnBegin(7, 0x100))
	require.NoError(t, sup.OnInsert(1, []byte{0x01}, []byte{0x02}, 0x108))
	txn1, _ := r.Head()
	require.NoError(t, sup.OnCommit(7, 0x110))

	require.NoError(t, sup.OnBegin(8, 0x118))
	require.NoError(t, sup.OnInsert(1, []byte{0x03}, []byte{0x04}, 0x11c))
	txn2, _ := r.Head()
	require.NoError(t, sup.OnCommit(8, 0x120))

	// T2's delivery arrives first.
	ring.RecordAck(txn2)
	cp.Advance()
	require.Less(t, cp.FsyncLSN(), uint64(0x110))

	// T1's delivery arrives; now both drain in order.
	ring.RecordAck(txn1)
	cp.Advance()
	require.EqualValues(t, 0x120, cp.FsyncLSN())
}

func TestScenarioBackpressureRetriesThenSucceeds(t *testing.T) {
	prod := &fakeProducer{queueFullRemaining: 3, deliverSynchronously: true}
	sup, _, _ := newTestSupervisor(prod, false, true)

	require.NoError(t, sup.OnRelation(1, "pgkafkabridge.public", "widgets", "k", "v", 0))
	require.NoError(t, sup.OnBegin(7, 0x100))
	require.NoError(t, sup.OnInsert(1, []byte{0x01}, []byte{0x02}, 0x108))

	require.Equal(t, 3, prod.backoffCalls)
	require.Len(t, prod.sent, 1, "envelope must be allocated exactly once per successful enqueue")
}

func TestScenarioSnapshotMustBeFirst(t *testing.T) {
	prod := &fakeProducer{}
	sup, _, _ := newTestSupervisor(prod, false, false)

	err := sup.OnBegin(7, 0x100)
	require.Error(t, err, "a non-zero xid as the first transaction must be fatal")
}

func TestScenarioDeleteOnUnkeyedTableIsDropped(t *testing.T) {
	prod := &fakeProducer{deliverSynchronously: true}
	sup, _, _ := newTestSupervisor(prod, true, true) // allowUnkeyed true: still must drop deletes

	require.NoError(t, sup.OnRelation(1, "pgkafkabridge.public", "widgets", "k", "v", 0))
	require.NoError(t, sup.OnBegin(0, 0x100))
	require.NoError(t, sup.OnDelete(1, nil, []byte{0x02}, 0x108))

	require.Empty(t, prod.sent, "a delete with no key must never be enqueued")
}

func TestScenarioSchemaChangeProducesNewID(t *testing.T) {
	prod := &fakeProducer{deliverSynchronously: true}
	sup, _, _ := newTestSupervisor(prod, false, true)

	require.NoError(t, sup.OnRelation(1, "pgkafkabridge.public", "widgets", "k", "v1", 0))
	meta1, err := sup.mapper.Lookup(1)
	require.NoError(t, err)

	require.NoError(t, sup.OnRelation(1, "pgkafkabridge.public", "widgets", "k", "v2", 0))
	meta2, err := sup.mapper.Lookup(1)
	require.NoError(t, err)

	require.NotEqual(t, meta1.ValueSchemaID, meta2.ValueSchemaID)

	require.NoError(t, sup.OnBegin(0, 0x100))
	require.NoError(t, sup.OnInsert(1, []byte{0x01}, []byte{0x02}, 0x108))
	require.Len(t, prod.sent, 1)
}
