package ledger

import (
	"encoding/json"
	"time"
)

// OutcomeKind discriminates the delivery outcome of an escrow event.
type OutcomeKind string

const (
	OutcomePending   OutcomeKind = "pending"
	OutcomeConfirmed OutcomeKind = "confirmed"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeReversed  OutcomeKind = "reversed"
	OutcomeInternal  OutcomeKind = "internal"
	OutcomeUnknown   OutcomeKind = "unknown"
)

// Outcome is the provider-side state of an event's money movement.
// The set of implementations is closed: Pending, Confirmed, Failed,
// Reversed, Internal and Unknown.
type Outcome interface {
	Kind() OutcomeKind
	outcome()
}

// Pending means the transfer was submitted (or is about to be) and the
// provider has not yet confirmed it. Timeouts stay Pending.
type Pending struct {
	Since time.Time
}

// Confirmed means the provider accepted the transfer.
type Confirmed struct {
	ProviderTxID string
	At           time.Time
}

// Failed means the provider definitively rejected the attempt. The
// movement stays booked and the delivery is retried.
type Failed struct {
	Reason string
	At     time.Time
}

// Reversed means a previously confirmed transfer was reversed by the provider.
type Reversed struct {
	Reason string
	At     time.Time
}

// Internal marks events that need no provider call (platform retention,
// funds held, adjustments).
type Internal struct{}

// Unknown wraps a stored payload this version cannot interpret.
type Unknown struct {
	Raw json.RawMessage
}

func (Pending) Kind() OutcomeKind   { return OutcomePending }
func (Confirmed) Kind() OutcomeKind { return OutcomeConfirmed }
func (Failed) Kind() OutcomeKind    { return OutcomeFailed }
func (Reversed) Kind() OutcomeKind  { return OutcomeReversed }
func (Internal) Kind() OutcomeKind  { return OutcomeInternal }
func (Unknown) Kind() OutcomeKind   { return OutcomeUnknown }

func (Pending) outcome()   {}
func (Confirmed) outcome() {}
func (Failed) outcome()    {}
func (Reversed) outcome()  {}
func (Internal) outcome()  {}
func (Unknown) outcome()   {}

// outcomeEnvelope is the persisted/wire form of an Outcome.
type outcomeEnvelope struct {
	Kind         OutcomeKind     `json:"kind"`
	ProviderTxID string          `json:"providerTxId,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	At           *time.Time      `json:"at,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}

// MarshalOutcome encodes an outcome as a JSON envelope.
func MarshalOutcome(o Outcome) ([]byte, error) {
	if o == nil {
		o = Internal{}
	}
	env := outcomeEnvelope{Kind: o.Kind()}
	switch v := o.(type) {
	case Pending:
		env.At = timePtr(v.Since)
	case Confirmed:
		env.ProviderTxID = v.ProviderTxID
		env.At = timePtr(v.At)
	case Failed:
		env.Reason = v.Reason
		env.At = timePtr(v.At)
	case Reversed:
		env.Reason = v.Reason
		env.At = timePtr(v.At)
	case Unknown:
		env.Raw = v.Raw
	}
	return json.Marshal(env)
}

// UnmarshalOutcome decodes an envelope. Anything unrecognised becomes Unknown.
func UnmarshalOutcome(data []byte) Outcome {
	var env outcomeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Unknown{Raw: append(json.RawMessage(nil), data...)}
	}
	var at time.Time
	if env.At != nil {
		at = *env.At
	}
	switch env.Kind {
	case OutcomePending:
		return Pending{Since: at}
	case OutcomeConfirmed:
		return Confirmed{ProviderTxID: env.ProviderTxID, At: at}
	case OutcomeFailed:
		return Failed{Reason: env.Reason, At: at}
	case OutcomeReversed:
		return Reversed{Reason: env.Reason, At: at}
	case OutcomeInternal:
		return Internal{}
	case OutcomeUnknown:
		return Unknown{Raw: env.Raw}
	default:
		return Unknown{Raw: append(json.RawMessage(nil), data...)}
	}
}

// IsSettled reports whether no further delivery work is expected.
func IsSettled(o Outcome) bool {
	switch o.(type) {
	case Confirmed, Internal, Reversed:
		return true
	}
	return false
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
