package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventType is the kind of escrow movement.
type EventType string

const (
	EventFundsHeld                EventType = "FUNDS_HELD"
	EventReleaseRoomFeeSplit      EventType = "RELEASE_ROOM_FEE_SPLIT"
	EventPayRealtorPayout         EventType = "PAY_REALTOR_PAYOUT"
	EventRetainPlatformCommission EventType = "RETAIN_PLATFORM_COMMISSION"
	EventPayRealtorFromDeposit    EventType = "PAY_REALTOR_FROM_DEPOSIT"
	EventReleaseDepositToCustomer EventType = "RELEASE_DEPOSIT_TO_CUSTOMER"
	EventRefundRoomFeeToCustomer  EventType = "REFUND_ROOM_FEE_TO_CUSTOMER"
	EventCancellationSplit        EventType = "CANCELLATION_SPLIT"
	EventRetainServiceFee         EventType = "RETAIN_SERVICE_FEE"
	EventReleaseCleaningFee       EventType = "RELEASE_CLEANING_FEE_TO_REALTOR"
	EventDisputeRefundToCustomer  EventType = "DISPUTE_REFUND_TO_CUSTOMER"
	EventDisputePayoutToRealtor   EventType = "DISPUTE_PAYOUT_TO_REALTOR"
	EventCompensatingAdjustment   EventType = "COMPENSATING_ADJUSTMENT"
)

// Party is a holder of funds.
type Party string

const (
	PartyCustomer Party = "CUSTOMER"
	PartyRealtor  Party = "REALTOR"
	PartyPlatform Party = "PLATFORM"
	PartyEscrow   Party = "ESCROW"
	// PartySplit means the amount is divided per the event's Split.
	PartySplit    Party = "SPLIT"
)

// Split itemizes a single event's amount across parties.
type Split struct {
	Customer int64 `json:"customer"`
	Realtor  int64 `json:"realtor"`
	Platform int64 `json:"platform"`
}

// Total sums the split.
func (s *Split) Total() int64 {
	return s.Customer + s.Realtor + s.Platform
}

// Event is an immutable escrow log entry. Only the provider metadata
// (Outcome, ProviderTxID, RetryCount, LastAttemptAt) changes after creation.
type Event struct {
	ID                 string     `json:"id"`
	Seq                int64      `json:"seq"`
	BookingID          string     `json:"bookingId"`
	Type               EventType  `json:"type"`
	Amount             int64      `json:"amount"`
	Currency           string     `json:"currency"`
	From               Party      `json:"from"`
	To                 Party      `json:"to"`
	Split              *Split     `json:"split,omitempty"`
	Reference          string     `json:"reference,omitempty"`
	ProviderTxID       string     `json:"providerTxId,omitempty"`
	Outcome            Outcome    `json:"-"`
	RetryCount         int        `json:"retryCount"`
	LastAttemptAt      *time.Time `json:"lastAttemptAt,omitempty"`
	Notes              string     `json:"notes,omitempty"`
	Actor              string     `json:"actor"`
	CompensatesEventID string     `json:"compensatesEventId,omitempty"`
	ExecutedAt         time.Time  `json:"executedAt"`
}

// MarshalJSON renders the outcome as its tagged envelope.
func (e *Event) MarshalJSON() ([]byte, error) {
	type plain Event
	outcome, err := MarshalOutcome(e.Outcome)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		*plain
		Outcome json.RawMessage `json:"outcome"`
	}{plain: (*plain)(e), Outcome: outcome})
}

// UnmarshalJSON accepts the form produced by MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	type plain Event
	aux := struct {
		*plain
		Outcome json.RawMessage `json:"outcome"`
	}{plain: (*plain)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Outcome) > 0 {
		e.Outcome = UnmarshalOutcome(aux.Outcome)
	}
	return nil
}

// Movement is the signed amount this event moves out of escrow.
func (e *Event) Movement() int64 {
	switch e.Type {
	case EventFundsHeld:
		return 0
	case EventCompensatingAdjustment:
		return -e.Amount
	default:
		return e.Amount
	}
}

// DeliveryAmount is the part of the event that must reach an external
// party through the gateway.
func (e *Event) DeliveryAmount() int64 {
	switch e.Type {
	case EventFundsHeld, EventCompensatingAdjustment:
		return 0
	}
	switch e.To {
	case PartyRealtor, PartyCustomer:
		return e.Amount
	case PartySplit:
		if e.Split != nil {
			return e.Split.Realtor
		}
	}
	return 0
}

// Recipient is the external party receiving the delivery.
func (e *Event) Recipient() Party {
	if e.To == PartySplit {
		return PartyRealtor
	}
	return e.To
}

// NeedsDelivery reports whether the event requires a gateway call.
func (e *Event) NeedsDelivery() bool {
	return e.DeliveryAmount() > 0
}

// AttemptReference is the gateway idempotency key for the current attempt.
// The first attempt uses the event reference; retries after a definitive
// failure get a suffix so the provider does not replay the failure.
func (e *Event) AttemptReference() string {
	base := e.Reference
	if base == "" {
		base = e.ID
	}
	if e.RetryCount == 0 {
		return base
	}
	return fmt.Sprintf("%s_r%d", base, e.RetryCount)
}

// BaseReference strips an attempt suffix from a gateway reference.
func BaseReference(ref string) string {
	i := strings.LastIndex(ref, "_r")
	if i <= 0 {
		return ref
	}
	for _, c := range ref[i+2:] {
		if c < '0' || c > '9' {
			return ref
		}
	}
	if i+2 == len(ref) {
		return ref
	}
	return ref[:i]
}

// DeliveryStatusKind is the outcome kind, treating a missing outcome as internal.
func (e *Event) DeliveryStatusKind() OutcomeKind {
	if e.Outcome == nil {
		return OutcomeInternal
	}
	return e.Outcome.Kind()
}

// Delivery is the mutable slice of an event.
type Delivery struct {
	Outcome       Outcome
	ProviderTxID  string
	RetryCount    int
	LastAttemptAt *time.Time
}

func (e *Event) delivery() *Delivery {
	return &Delivery{
		Outcome:       e.Outcome,
		ProviderTxID:  e.ProviderTxID,
		RetryCount:    e.RetryCount,
		LastAttemptAt: e.LastAttemptAt,
	}
}

func (e *Event) applyDelivery(d *Delivery) {
	e.Outcome = d.Outcome
	e.ProviderTxID = d.ProviderTxID
	e.RetryCount = d.RetryCount
	e.LastAttemptAt = d.LastAttemptAt
}
