package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Levels(t *testing.T) {
	ctx := context.Background()
	assert.True(t, New("", "text").Enabled(ctx, slog.LevelInfo))
	assert.False(t, New("", "text").Enabled(ctx, slog.LevelDebug))
	assert.True(t, New("debug", "text").Enabled(ctx, slog.LevelDebug))
	assert.False(t, New("error", "json").Enabled(ctx, slog.LevelWarn))
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))
	assert.Equal(t, slog.Default(), FromContext(ctx))

	ctx = WithRequestID(ctx, "first")
	ctx = WithRequestID(ctx, "second")
	assert.Equal(t, "second", RequestID(ctx))

	custom := New("debug", "json")
	assert.Same(t, custom, FromContext(WithLogger(ctx, custom)))
}

func TestL_AddsRequestAndBooking(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "json"))
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithBookingID(ctx, "bk1")

	L(ctx).Info("payout sent")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "req-1", line["request_id"])
	assert.Equal(t, "bk1", line["booking_id"])
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	r := gin.New()
	r.Use(Middleware(NewWithWriter(&buf, "info", "json")))
	r.GET("/bookings/:id/escrow-events", func(c *gin.Context) {
		L(c.Request.Context()).Info("listing")
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/bookings/bk9/escrow-events", nil)
	req.Header.Set(HeaderRequestID, "upstream-id")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "upstream-id", w.Header().Get(HeaderRequestID))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for _, l := range lines {
		assert.Contains(t, l, `"booking_id":"bk9"`)
		assert.Contains(t, l, `"request_id":"upstream-id"`)
	}
	assert.Contains(t, lines[1], `"status":200`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/bookings/bk9/escrow-events", nil))
	assert.NotEmpty(t, w.Header().Get(HeaderRequestID))
}
