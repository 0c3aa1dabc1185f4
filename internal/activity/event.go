// Package activity is the append-only record of protocol events:
// challenges issued, payments admitted, credential changes, and
// ingested proofs. Events are written to a hash-chained JSONL log,
// fanned out to live websocket subscribers, and (for settled payments)
// forwarded best-effort to an external dashboard.
package activity

// Kind classifies a protocol event.
type Kind string

const (
	KindChallenge  Kind = "challenge"
	KindPayment    Kind = "payment"
	KindCredential Kind = "credential"
	KindProof      Kind = "proof"
)

// Event is one append-only protocol record. All fields are scalars so
// json.Marshal produces a deterministic field order for reproducible
// hashing.
type Event struct {
	ID        string  `json:"id"`
	Kind      Kind    `json:"kind"`
	Scheme    string  `json:"scheme,omitempty"`
	Resource  string  `json:"resource,omitempty"`
	AmountUSD float64 `json:"amountUsd,omitempty"`
	Detail    string  `json:"detail,omitempty"`
	Timestamp string  `json:"ts"`
	PrevHash  string  `json:"prevHash"`
}

// Emitter receives protocol events. Implementations must not let a
// delivery failure affect the caller's own result.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

// Emit calls f(e).
func (f EmitterFunc) Emit(e Event) { f(e) }

// Discard drops every event. Useful as a default.
var Discard Emitter = EmitterFunc(func(Event) {})
