// Package mapper implements the Table Mapper: a cache from relation id
// to {topic handle, key/value schema ids and text} that registers
// schemas with the external registry and materializes topic handles
// from the producer on first sight of a relation.
package mapper

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/streamwell/pg-kafka-bridge/internal/metrics"
	"github.com/streamwell/pg-kafka-bridge/internal/registry"
	"github.com/streamwell/pg-kafka-bridge/internal/types"
)

// GeneratedSchemaNamespace is the Postgres logical-decoding namespace
// prefix the upstream decoder reports for generated per-table row
// schemas, e.g. "pgkafkabridge.public". Only namespaces under this
// prefix participate in the schema-vs.-public topic naming rule; any
// other namespace string falls back to the bare table name.
const GeneratedSchemaNamespace = "pgkafkabridge"

// maxTopicNameBytes is the wire clamp for a topic name: 128 bytes
// including a terminator. confluent-kafka-go hands topic name strings
// to librdkafka's C API, which null-terminates them, so the usable
// budget is 127 bytes.
const maxTopicNameBytes = 128

// TopicName computes the Kafka topic name for a table from its
// logical-decoding schema namespace and table name: the topic name is
// <table> when <pg_schema> is "public" or the namespace doesn't match
// GeneratedSchemaNamespace; otherwise <pg_schema>.<table>. The result
// is optionally prefixed with "<prefix>." and clamped to the wire
// limit.
func TopicName(namespace, table, prefix string) string {
	var name string
	schema, matched := cutPrefix(namespace, GeneratedSchemaNamespace+".")
	if !matched || schema == "public" {
		name = table
	} else {
		name = schema + "." + table
	}

	if prefix != "" {
		name = prefix + "." + name
	}

	if len(name) > maxTopicNameBytes-1 {
		name = name[:maxTopicNameBytes-1]
	}
	return name
}

func cutPrefix(s, prefix string) (string, bool) {
	if !strings.HasPrefix(s, prefix) {
		return s, false
	}
	return s[len(prefix):], true
}

// TopicHandle is the opaque materialized topic reference produced by
// the producer bridge for a given topic name.
type TopicHandle interface {
	Name() string
}

// TopicAllocator materializes a TopicHandle for a topic name,
// configuring the per-topic partitioner and delivery-report channel.
// Implemented by internal/producer.Bridge.
type TopicAllocator interface {
	Topic(name string) (TopicHandle, error)
}

// TableMetadata is the mapper's cache entry for one relation.
type TableMetadata struct {
	RelID           uint32
	Topic           TopicHandle
	KeySchemaID     int32
	ValueSchemaID   int32
	KeySchemaText   string
	ValueSchemaText string
}

// Mapper holds no lock: like the ring, it is only touched from the
// supervisor goroutine.
type Mapper struct {
	producer    TopicAllocator
	registry    registry.Client
	topicPrefix string

	tables map[uint32]*TableMetadata
}

// New creates a Mapper. topicPrefix may be empty.
func New(producer TopicAllocator, reg registry.Client, topicPrefix string) *Mapper {
	return &Mapper{
		producer:    producer,
		registry:    reg,
		topicPrefix: topicPrefix,
		tables:      make(map[uint32]*TableMetadata),
	}
}

// Update installs or refreshes the cache entry for relid. On first
// sight of a relation it allocates a topic handle and registers both
// schemas. On a known relation, it compares the new schema text
// against what's on file and only re-registers (yielding new schema
// ids) the side that changed, storing the result as a new entry; an
// unchanged relation is a no-op and returns the existing entry.
func (m *Mapper) Update(
	ctx context.Context, relid uint32, namespace, table, keySchemaText, valueSchemaText string,
) (*TableMetadata, error) {
	topicName := TopicName(namespace, table, m.topicPrefix)

	entry, known := m.tables[relid]
	if !known {
		handle, err := m.producer.Topic(topicName)
		if err != nil {
			return nil, err
		}
		entry = &TableMetadata{RelID: relid, Topic: handle}
		m.tables[relid] = entry
	} else if entry.KeySchemaText != keySchemaText || entry.ValueSchemaText != valueSchemaText {
		// Replace the entry rather than mutate it, so metadata handed out
		// before the schema change keeps the ids it was returned with.
		fresh := *entry
		entry = &fresh
		m.tables[relid] = entry
	}

	if !known || entry.KeySchemaText != keySchemaText {
		id, err := m.registerSchema(ctx, topicName+"-key", keySchemaText, table)
		if err != nil {
			return nil, err
		}
		entry.KeySchemaID = id
		entry.KeySchemaText = keySchemaText
	}

	if !known || entry.ValueSchemaText != valueSchemaText {
		id, err := m.registerSchema(ctx, topicName+"-value", valueSchemaText, table)
		if err != nil {
			return nil, err
		}
		entry.ValueSchemaID = id
		entry.ValueSchemaText = valueSchemaText
	}

	return entry, nil
}

func (m *Mapper) registerSchema(ctx context.Context, subject, schemaText, table string) (int32, error) {
	id, err := m.registry.EnsureSchema(ctx, subject, schemaText)
	if err != nil {
		return 0, err
	}
	metrics.SchemaRegistrationsTotal.WithLabelValues(table).Inc()
	log.WithFields(log.Fields{
		"subject":   subject,
		"schema_id": id,
	}).Debug("schema registered")
	return id, nil
}

// Lookup returns the cached metadata for relid, or
// types.ErrUnknownRelation if the mapper has never seen a schema event
// for it. An unknown relation indicates decoder misuse and is always
// fatal.
func (m *Mapper) Lookup(relid uint32) (*TableMetadata, error) {
	entry, ok := m.tables[relid]
	if !ok {
		return nil, types.ErrUnknownRelation
	}
	return entry, nil
}
