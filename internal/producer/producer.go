// Package producer implements the Producer Bridge: it owns the broker
// producer, enqueues messages with an attached per-message envelope,
// and receives delivery acknowledgements that drain the transaction
// ring.
//
// It wraps github.com/confluentinc/confluent-kafka-go/v2/kafka, chosen
// over segmentio/kafka-go because its Produce/Poll/Events shape is the
// direct Go analogue of the librdkafka C API this system models:
// asynchronous enqueue with an opaque per-message pointer, a
// queue-full error instead of blocking, and delivery reports served by
// explicit, bounded polling rather than a background goroutine the
// core would need to synchronize with.
package producer

import (
	"context"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/streamwell/pg-kafka-bridge/internal/mapper"
	"github.com/streamwell/pg-kafka-bridge/internal/metrics"
	"github.com/streamwell/pg-kafka-bridge/internal/ring"
	"github.com/streamwell/pg-kafka-bridge/internal/types"
)

// rawProducer is the subset of *kafka.Producer the bridge depends on,
// broken out so tests can substitute a fake without a live broker.
type rawProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Flush(timeoutMs int) int
	Close()
}

// Envelope is allocated per enqueued message and released exactly
// once, in the delivery callback, regardless of outcome.
type Envelope struct {
	txn    *ring.TransactionInfo
	RelID  uint32
	WALPos uint64
}

// topicHandle is the concrete mapper.TopicHandle materialized for a
// topic name. confluent-kafka-go addresses topics by name rather than
// by a separate handle object (unlike the librdkafka C API this
// system was originally built against), so the handle is a thin,
// cached wrapper that still gives the mapper a stable reference to
// hang per-table ordering guarantees off of.
type topicHandle struct {
	name string
}

func (t *topicHandle) Name() string { return t.name }

var _ mapper.TopicHandle = (*topicHandle)(nil)

// AckFunc is invoked once per delivered (or policy-absorbed-failure)
// envelope, after its transaction's pending_events has already been
// decremented. It is where the supervisor re-runs the checkpointer.
type AckFunc func(txn *ring.TransactionInfo)

// Bridge owns the broker producer and the topic-handle cache.
type Bridge struct {
	kp     rawProducer
	policy types.ErrorPolicy
	onAck  AckFunc
	// fatal is invoked when the error policy is PolicyExit and a
	// policy-controlled error occurs; the supervisor wires this to its
	// single cleanup path.
	fatal func(error)

	topics map[string]*topicHandle
}

// Config bundles the pass-through producer and topic configuration
// surface on top of the fields the bridge itself needs.
type Config struct {
	Brokers string
	Policy  types.ErrorPolicy
	// Extra holds additional librdkafka configuration properties, e.g.
	// "queue.buffering.max.ms".
	Extra map[string]string
}

// New constructs a Bridge and its underlying confluent-kafka-go
// producer, configured with the consistent-random partitioner so
// identical keys land on the same partition while nil-keyed messages
// spread uniformly.
func New(cfg Config, onAck AckFunc, fatal func(error)) (*Bridge, error) {
	kafkaConfig := &kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"partitioner":       "consistent_random",
	}
	for k, v := range cfg.Extra {
		if err := kafkaConfig.SetKey(k, v); err != nil {
			return nil, errors.Wrapf(err, "applying producer config %s", k)
		}
	}

	kp, err := kafka.NewProducer(kafkaConfig)
	if err != nil {
		return nil, errors.Wrap(err, "creating broker producer")
	}

	return newBridge(kp, cfg.Policy, onAck, fatal), nil
}

func newBridge(kp rawProducer, policy types.ErrorPolicy, onAck AckFunc, fatal func(error)) *Bridge {
	return &Bridge{
		kp:     kp,
		policy: policy,
		onAck:  onAck,
		fatal:  fatal,
		topics: make(map[string]*topicHandle),
	}
}

// Topic implements mapper.TopicAllocator. It materializes (and caches)
// a topic handle the first time a relation's topic name is seen.
func (b *Bridge) Topic(name string) (mapper.TopicHandle, error) {
	if h, ok := b.topics[name]; ok {
		return h, nil
	}
	h := &topicHandle{name: name}
	b.topics[name] = h
	return h, nil
}

// isQueueFull reports whether err is a queue-full rejection that needs
// backpressure. confluent-kafka-go surfaces this as kafka.ErrQueueFull
// from Produce itself rather than a separate predicate; Send uses this
// helper to decide whether to retry after backpressure or to apply the
// error policy.
func isQueueFull(err error) bool {
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		return kerr.Code() == kafka.ErrQueueFull
	}
	return false
}

// Send enqueues one row event's key/value payload, attributing it to
// the transaction currently at the ring's head. backoff is invoked
// (and Send retries) on queue-full; it is expected to be the
// supervisor's backpressure routine.
//
// On success, pending_events and recvd_events are incremented on txn.
// On a non-queue-full error, the error policy is applied and the
// failure is returned to the caller without touching the ring.
func (b *Bridge) Send(
	ctx context.Context,
	meta *mapper.TableMetadata,
	txn *ring.TransactionInfo,
	relid uint32,
	walPos uint64,
	key, value []byte,
	backoff func(ctx context.Context) error,
) error {
	start := time.Now()
	defer func() { metrics.EnqueueDuration.Observe(time.Since(start).Seconds()) }()

	envelope := &Envelope{txn: txn, RelID: relid, WALPos: walPos}
	topic := meta.Topic.(*topicHandle).name

	for {
		msg := &kafka.Message{
			TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
			Key:            key,
			Value:          value,
			Opaque:         envelope,
		}

		err := b.kp.Produce(msg, nil)
		if err == nil {
			ring.RecordEnqueue(txn)
			metrics.RowsEnqueuedTotal.Inc()
			return nil
		}

		if isQueueFull(err) {
			metrics.BackpressureEventsTotal.WithLabelValues("queue_full").Inc()
			if boErr := backoff(ctx); boErr != nil {
				return boErr
			}
			continue
		}

		log.WithError(err).WithFields(log.Fields{
			"relid": relid,
			"topic": topic,
		}).Error("broker enqueue failed")
		return b.applyPolicy(err)
	}
}

// Poll drains delivery reports (and other broker events) for up to
// timeout, invoking the delivery callback for each one. It is the only
// place the bridge observes anything from librdkafka's internal
// threads, matching the single-threaded cooperative model of the main
// loop.
func (b *Bridge) Poll(timeout time.Duration) int {
	deadline := time.Now().Add(timeout)
	served := 0
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return served
		}
		select {
		case ev, ok := <-b.kp.Events():
			if !ok {
				return served
			}
			b.handleEvent(ev)
			served++
		case <-time.After(remaining):
			return served
		}
	}
}

func (b *Bridge) handleEvent(ev kafka.Event) {
	msg, ok := ev.(*kafka.Message)
	if !ok {
		// Stats/log/error events the caller didn't ask for explicitly;
		// nothing in the core depends on these.
		return
	}
	envelope, _ := msg.Opaque.(*Envelope)
	if envelope == nil {
		return
	}

	if msg.TopicPartition.Error != nil {
		metrics.RowsAckedTotal.WithLabelValues("failure").Inc()
		log.WithError(msg.TopicPartition.Error).WithFields(log.Fields{
			"relid": envelope.RelID,
		}).Error("broker delivery failed")

		switch b.policy {
		case types.PolicyExit:
			b.fatal(errors.Wrap(msg.TopicPartition.Error, "broker delivery failed under exit policy"))
			return
		default: // PolicyLog: treat as acknowledged to avoid a permanent stall.
			ring.RecordAck(envelope.txn)
			b.onAck(envelope.txn)
		}
	} else {
		metrics.RowsAckedTotal.WithLabelValues("success").Inc()
		ring.RecordAck(envelope.txn)
		b.onAck(envelope.txn)
	}

	// envelope released: nothing further references it after this
	// point, on either path above.
}

func (b *Bridge) applyPolicy(err error) error {
	if b.policy == types.PolicyExit {
		b.fatal(err)
	}
	return err
}

// Close flushes outstanding deliveries for up to grace and releases
// the underlying producer after the main loop exits.
func (b *Bridge) Close(grace time.Duration) {
	remaining := b.kp.Flush(int(grace / time.Millisecond))
	if remaining > 0 {
		log.WithField("undelivered", remaining).Warn("shutting down with undelivered messages; they will replay on restart")
	}
	b.kp.Close()
}
