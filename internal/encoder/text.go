package encoder

import "encoding/json"

// textRecord is the self-describing envelope written by textEncoder:
// the schema text travels with every record instead of a registry
// lookup, at the cost of per-message size.
type textRecord struct {
	Schema  string          `json:"schema"`
	Payload json.RawMessage `json:"payload"`
}

// textEncoder implements the "self-describing text" format. Key and
// value are expected to already be marshaled JSON column data
// (produced by internal/replication from the decoded row tuple); this
// layer only adds the schema text wrapper.
type textEncoder struct{}

var _ Encoder = textEncoder{}

func (textEncoder) EncodeKey(schema Schema, key []byte) ([]byte, error) {
	if key == nil {
		return nil, nil
	}
	return wrap(schema, key)
}

func (textEncoder) EncodeValue(schema Schema, value []byte) ([]byte, error) {
	if value == nil {
		return nil, nil
	}
	return wrap(schema, value)
}

func wrap(schema Schema, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		payload = []byte("null")
	}
	return json.Marshal(textRecord{Schema: schema.Text, Payload: json.RawMessage(payload)})
}
