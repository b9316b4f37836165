// Package payload defines the stable, deterministic encoding of a job's
// immutable descriptor: {id, class, data}.
package payload

import "encoding/json"

// Envelope is the canonical, immutable descriptor persisted for a job.
// Field order in the marshaled JSON is fixed by struct declaration order,
// which keeps the encoding byte-for-byte stable across requeues.
type Envelope struct {
	ID    string `json:"id"`
	Class string `json:"class"`
	Data  any    `json:"data"`
}

// Encode produces the canonical payload bytes for an envelope.
func Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a previously-encoded payload back into an envelope.
func Decode(raw []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(raw, &e)
	return e, err
}

// DataValue extracts a field from the opaque Data tree, returning ok=false
// when the field is absent or Data is not map-shaped. Data is always a
// JSON-decoded any, so map keys come back as map[string]any.
func DataValue(data any, field string) (any, bool) {
	m, ok := data.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := m[field]
	return v, ok
}
