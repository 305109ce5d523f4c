package encoder

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

var errShortRecord = errors.New("record shorter than the 5-byte registry frame header")
var errBadMagic = errors.New("record does not start with the expected magic byte")

// magicByte is the single leading byte of the Confluent-style wire
// format: 0x00 always, reserved for future framing versions.
const magicByte = 0x00

// frameLen is the fixed header length: 1 magic byte + a big-endian
// uint32 schema id.
const frameLen = 5

// binaryEncoder implements the "binary registry-tagged" format: a
// 5-byte header (magic byte + big-endian uint32 schema id) prepended
// to the caller-supplied binary payload, applied independently to key
// and value.
type binaryEncoder struct{}

var _ Encoder = binaryEncoder{}

// EncodeKey frames the key payload. A nil key (a row from an unkeyed
// table forwarded under AllowUnkeyed) passes through as nil, so the
// broker sees an unkeyed message; an empty non-nil key frames to a
// header with an empty payload.
func (binaryEncoder) EncodeKey(schema Schema, key []byte) ([]byte, error) {
	if key == nil {
		return nil, nil
	}
	return frame(schema.ID, key), nil
}

// EncodeValue frames the value payload, or passes a nil value straight
// through as a nil deletion marker rather than a zero-length framed
// payload.
func (binaryEncoder) EncodeValue(schema Schema, value []byte) ([]byte, error) {
	if value == nil {
		return nil, nil
	}
	return frame(schema.ID, value), nil
}

func frame(schemaID int32, payload []byte) []byte {
	out := make([]byte, frameLen+len(payload))
	out[0] = magicByte
	binary.BigEndian.PutUint32(out[1:frameLen], uint32(schemaID))
	copy(out[frameLen:], payload)
	return out
}

// Decode reverses frame, returning the schema id and the opaque
// payload.
func Decode(record []byte) (schemaID int32, payload []byte, err error) {
	if len(record) < frameLen {
		return 0, nil, errShortRecord
	}
	if record[0] != magicByte {
		return 0, nil, errBadMagic
	}
	return int32(binary.BigEndian.Uint32(record[1:frameLen])), record[frameLen:], nil
}
