// Package types contains data types and interfaces shared across the
// bridge's internal packages. Keeping them in one leaf package lets the
// rest of the tree depend on the shapes without depending on each
// other's implementations.
package types

import (
	"github.com/pkg/errors"
)

// ErrorPolicy controls what the Supervisor does when a policy-controlled
// error occurs.
type ErrorPolicy int

const (
	// PolicyLog logs the error and continues, treating the affected
	// message as though it had been acknowledged. This avoids a
	// permanent stall at the cost of admitting data loss.
	PolicyLog ErrorPolicy = iota
	// PolicyExit terminates the process through the single cleanup
	// path.
	PolicyExit
)

// ParsePolicy converts the --errorPolicy flag value into an ErrorPolicy.
func ParsePolicy(s string) (ErrorPolicy, error) {
	switch s {
	case "log":
		return PolicyLog, nil
	case "exit":
		return PolicyExit, nil
	default:
		return PolicyLog, errors.Errorf("unknown error policy %q, want log or exit", s)
	}
}

func (p ErrorPolicy) String() string {
	switch p {
	case PolicyLog:
		return "log"
	case PolicyExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Format selects the wire encoding produced by internal/encoder.
type Format int

const (
	// FormatBinary prepends the 5-byte Confluent-style registry framing
	// to each payload.
	FormatBinary Format = iota
	// FormatText renders a self-describing textual encoding.
	FormatText
)

// ParseFormat converts the --format flag value into a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "binary":
		return FormatBinary, nil
	case "text":
		return FormatText, nil
	default:
		return FormatBinary, errors.Errorf("unknown output format %q, want binary or text", s)
	}
}

func (f Format) String() string {
	switch f {
	case FormatBinary:
		return "binary"
	case FormatText:
		return "text"
	default:
		return "unknown"
	}
}

// Sentinel errors for conditions that are always fatal regardless of
// ErrorPolicy. They are compared with errors.Is, not by string match.
var (
	// ErrSnapshotOutOfOrder is raised when a non-zero xid is observed
	// as the very first transaction of a run.
	ErrSnapshotOutOfOrder = errors.New("snapshot must be the first transaction")
	// ErrCommitMismatch is raised when a commit event's xid does not
	// match the ring's current head.
	ErrCommitMismatch = errors.New("commit does not match the open transaction")
	// ErrUnknownRelation is raised when a row event references a
	// relation the mapper has never seen a schema for.
	ErrUnknownRelation = errors.New("no registered schema for relation")
	// ErrRingFull is an internal signal, never surfaced to a caller:
	// begin() handles it by driving backpressure until a slot frees.
	ErrRingFull = errors.New("transaction ring is full")
)

// RowObserver is an optional, opt-in audit hook invoked for every row
// event that is successfully encoded and handed to the producer. A nil
// observer costs a single nil check per row and is the default.
type RowObserver interface {
	ObserveRow(relid uint32, topic string, key, value []byte, walPos uint64)
}
