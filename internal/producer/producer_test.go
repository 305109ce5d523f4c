package producer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/require"

	"github.com/streamwell/pg-kafka-bridge/internal/mapper"
	"github.com/streamwell/pg-kafka-bridge/internal/ring"
	"github.com/streamwell/pg-kafka-bridge/internal/types"
)

// fakeKafkaProducer is a hand-written double standing in for
// *kafka.Producer, using hand-written fakes rather than a mocking framework.
type fakeKafkaProducer struct {
	queueFullFor int // number of Produce calls that fail with ErrQueueFull before succeeding
	produceCalls int
	events       chan kafka.Event
	closed       bool
}

func newFakeKafkaProducer() *fakeKafkaProducer {
	return &fakeKafkaProducer{events: make(chan kafka.Event, 16)}
}

func (f *fakeKafkaProducer) Produce(msg *kafka.Message, _ chan kafka.Event) error {
	f.produceCalls++
	if f.queueFullFor > 0 {
		f.queueFullFor--
		return kafka.NewError(kafka.ErrQueueFull, "queue full", false)
	}
	// Deliver synchronously onto the events channel, as the real
	// producer would asynchronously via its internal thread.
	f.events <- msg
	return nil
}

func (f *fakeKafkaProducer) Events() chan kafka.Event { return f.events }
func (f *fakeKafkaProducer) Flush(int) int             { return 0 }
func (f *fakeKafkaProducer) Close()                    { f.closed = true }

func testMeta(topicName string) *mapper.TableMetadata {
	return &mapper.TableMetadata{Topic: &topicHandle{name: topicName}}
}

func TestSendAttachesEnvelopeAndRecordsEnqueue(t *testing.T) {
	fk := newFakeKafkaProducer()
	var acked []*ring.TransactionInfo
	b := newBridge(fk, types.PolicyLog, func(txn *ring.TransactionInfo) { acked = append(acked, txn) }, nil)

	r := ring.New(4)
	r.MarkStreaming()
	txn, err := r.Begin(1, 100)
	require.NoError(t, err)

	err = b.Send(context.Background(), testMeta("widgets"), txn, 1, 100, []byte("k"), []byte("v"),
		func(context.Context) error { t.Fatal("backoff should not be called"); return nil })
	require.NoError(t, err)

	require.EqualValues(t, 1, txn.RecvdEvents)
	require.EqualValues(t, 1, txn.PendingEvents)

	served := b.Poll(time.Second)
	require.Equal(t, 1, served)
	require.Len(t, acked, 1)
	require.EqualValues(t, 0, txn.PendingEvents)
}

func TestSendRetriesOnQueueFullThenSucceeds(t *testing.T) {
	fk := newFakeKafkaProducer()
	fk.queueFullFor = 3
	b := newBridge(fk, types.PolicyLog, func(*ring.TransactionInfo) {}, nil)

	r := ring.New(4)
	r.MarkStreaming()
	txn, err := r.Begin(1, 100)
	require.NoError(t, err)

	backoffCalls := 0
	err = b.Send(context.Background(), testMeta("widgets"), txn, 1, 100, []byte("k"), []byte("v"),
		func(context.Context) error { backoffCalls++; return nil })
	require.NoError(t, err)

	require.Equal(t, 3, backoffCalls)
	require.Equal(t, 4, fk.produceCalls)
	require.EqualValues(t, 1, txn.RecvdEvents, "exactly one envelope must reach the ring despite three failed attempts")
}

func TestSendBackoffErrorAborts(t *testing.T) {
	fk := newFakeKafkaProducer()
	fk.queueFullFor = 1
	b := newBridge(fk, types.PolicyLog, func(*ring.TransactionInfo) {}, nil)

	r := ring.New(4)
	r.MarkStreaming()
	txn, err := r.Begin(1, 100)
	require.NoError(t, err)

	stopErr := errors.New("shutting down")
	err = b.Send(context.Background(), testMeta("widgets"), txn, 1, 100, nil, []byte("v"),
		func(context.Context) error { return stopErr })
	require.ErrorIs(t, err, stopErr)
	require.EqualValues(t, 0, txn.RecvdEvents)
}

func TestDeliveryFailureUnderLogPolicyIsTreatedAsAcked(t *testing.T) {
	fk := newFakeKafkaProducer()
	var acked []*ring.TransactionInfo
	b := newBridge(fk, types.PolicyLog, func(txn *ring.TransactionInfo) { acked = append(acked, txn) }, nil)

	r := ring.New(4)
	r.MarkStreaming()
	txn, err := r.Begin(1, 100)
	require.NoError(t, err)
	ring.RecordEnqueue(txn)

	topic := "widgets"
	failing := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic: &topic,
			Error: errors.New("broker rejected message"),
		},
		Opaque: &Envelope{txn: txn},
	}
	b.handleEvent(failing)

	require.Len(t, acked, 1)
	require.EqualValues(t, 0, txn.PendingEvents)
}

func TestDeliveryFailureUnderExitPolicyInvokesFatal(t *testing.T) {
	fk := newFakeKafkaProducer()
	var fatalErr error
	b := newBridge(fk, types.PolicyExit, func(*ring.TransactionInfo) {
		t.Fatal("onAck must not run under exit policy on failure")
	}, func(err error) { fatalErr = err })

	r := ring.New(4)
	r.MarkStreaming()
	txn, err := r.Begin(1, 100)
	require.NoError(t, err)
	ring.RecordEnqueue(txn)

	topic := "widgets"
	failing := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Error: errors.New("broker rejected message")},
		Opaque:         &Envelope{txn: txn},
	}
	b.handleEvent(failing)

	require.Error(t, fatalErr)
	require.EqualValues(t, 1, txn.PendingEvents, "exit policy must not drain the slot out from under a fatal shutdown")
}

func TestTopicIsCachedPerName(t *testing.T) {
	b := newBridge(newFakeKafkaProducer(), types.PolicyLog, func(*ring.TransactionInfo) {}, nil)

	h1, err := b.Topic("widgets")
	require.NoError(t, err)
	h2, err := b.Topic("widgets")
	require.NoError(t, err)
	require.Same(t, h1, h2)
}
