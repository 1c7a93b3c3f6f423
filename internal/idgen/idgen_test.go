package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IsUUID(t *testing.T) {
	_, err := uuid.Parse(New())
	require.NoError(t, err)
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("evt_")
	assert.True(t, strings.HasPrefix(id, "evt_"))
	assert.Len(t, id, len("evt_")+32)
	assert.NotEqual(t, id, WithPrefix("evt_"))
}

func TestDeterministic(t *testing.T) {
	a := Deterministic("po_", "booking-1")
	assert.Equal(t, a, Deterministic("po_", "booking-1"))
	assert.NotEqual(t, a, Deterministic("po_", "booking-2"))
}
