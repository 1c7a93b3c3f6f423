package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	ts := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)

	c, err := Decode(Encode(ts, "dsp_42"))
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.True(t, ts.Equal(c.CreatedAt))
	assert.Equal(t, "dsp_42", c.ID)
}

func TestDecode_Empty(t *testing.T) {
	c, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestDecode_Invalid(t *testing.T) {
	for _, in := range []string{"not-base64!!!", "bm9waXBl", "YWJjfGlk"} {
		_, err := Decode(in)
		assert.ErrorIs(t, err, ErrInvalidCursor, in)
	}
}

func TestCursor_Before(t *testing.T) {
	ts := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: ts, ID: "b"}

	assert.True(t, c.Before(ts.Add(time.Second), "a"))
	assert.True(t, c.Before(ts, "c"))
	assert.False(t, c.Before(ts, "b"))
	assert.False(t, c.Before(ts.Add(-time.Second), "z"))

	var first *Cursor
	assert.True(t, first.Before(ts, ""))
}

func TestLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, Limit(""))
	assert.Equal(t, DefaultLimit, Limit("-3"))
	assert.Equal(t, DefaultLimit, Limit("abc"))
	assert.Equal(t, 10, Limit("10"))
	assert.Equal(t, MaxLimit, Limit("100000"))
}

func TestNewPage(t *testing.T) {
	type row struct {
		id string
		at time.Time
	}
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rows := []row{{"a", ts}, {"b", ts.Add(time.Minute)}, {"c", ts.Add(2 * time.Minute)}}
	key := func(r row) (time.Time, string) { return r.at, r.id }

	page := NewPage(rows, 2, key)
	assert.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)
	c, err := Decode(page.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, "b", c.ID)

	last := NewPage(rows[2:], 2, key)
	assert.False(t, last.HasMore)
	assert.Empty(t, last.NextCursor)

	empty := NewPage[row](nil, 2, key)
	assert.NotNil(t, empty.Items)
}
