package ledger

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutcome_EnvelopeRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cases := []Outcome{
		Pending{Since: at},
		Confirmed{ProviderTxID: "tr_123", At: at},
		Failed{Reason: "account_closed", At: at},
		Reversed{Reason: "chargeback", At: at},
		Internal{},
	}
	for _, o := range cases {
		data, err := MarshalOutcome(o)
		require.NoError(t, err)
		assert.Equal(t, o, UnmarshalOutcome(data), string(o.Kind()))
	}
}

func TestOutcome_UnrecognisedPayloadIsUnknown(t *testing.T) {
	raw := []byte(`{"kind":"settled_somewhere_else","foo":1}`)
	o := UnmarshalOutcome(raw)
	u, ok := o.(Unknown)
	require.True(t, ok)
	assert.JSONEq(t, string(raw), string(u.Raw))

	o = UnmarshalOutcome([]byte(`not json`))
	assert.Equal(t, OutcomeUnknown, o.Kind())
}

func TestOutcome_NilMarshalsAsInternal(t *testing.T) {
	data, err := MarshalOutcome(nil)
	require.NoError(t, err)
	assert.Equal(t, Internal{}, UnmarshalOutcome(data))
}

func TestIsSettled(t *testing.T) {
	assert.True(t, IsSettled(Confirmed{}))
	assert.True(t, IsSettled(Internal{}))
	assert.True(t, IsSettled(Reversed{}))
	assert.False(t, IsSettled(Pending{}))
	assert.False(t, IsSettled(Failed{}))
	assert.False(t, IsSettled(Unknown{}))
}

func TestEvent_JSONCarriesOutcome(t *testing.T) {
	e := &Event{
		ID:        "evt_1",
		BookingID: "bk1",
		Type:      EventPayRealtorPayout,
		Amount:    100,
		Outcome:   Confirmed{ProviderTxID: "tr_9"},
	}
	data, err := json.Marshal(e)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	outcome := m["outcome"].(map[string]interface{})
	assert.Equal(t, "confirmed", outcome["kind"])
	assert.Equal(t, "tr_9", outcome["providerTxId"])

	var back Event
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, Confirmed{ProviderTxID: "tr_9"}, back.Outcome)
	assert.Equal(t, int64(100), back.Amount)
}
