// Package encoder formats a key/value pair into broker-ready bytes,
// under one of the two formats selected once at startup and immutable
// thereafter.
package encoder

import "github.com/streamwell/pg-kafka-bridge/internal/types"

// Schema carries the registry id and raw schema text the mapper has
// on file for one side (key or value) of a table. The binary encoder
// only needs the id; the text encoder embeds the text itself so each
// record is self-describing.
type Schema struct {
	ID   int32
	Text string
}

// Encoder turns an in-memory key/value pair into the bytes handed to
// internal/producer. A nil value denotes a deletion; implementations
// must pass that through as a nil payload rather than a zero-length
// framed one.
type Encoder interface {
	// EncodeKey formats the primary-key columns of a row, given as
	// already-marshaled JSON column data.
	EncodeKey(schema Schema, key []byte) ([]byte, error)
	// EncodeValue formats the row's column values, given as
	// already-marshaled JSON column data, or returns a nil slice for a
	// deletion (value == nil).
	EncodeValue(schema Schema, value []byte) ([]byte, error)
}

// New returns the Encoder for the given format.
func New(format types.Format) Encoder {
	switch format {
	case types.FormatText:
		return textEncoder{}
	default:
		return binaryEncoder{}
	}
}
