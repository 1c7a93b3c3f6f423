package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/shortlet/internal/auth"
	"github.com/mbd888/shortlet/internal/config"
	"github.com/mbd888/shortlet/internal/gateway"
	"github.com/mbd888/shortlet/internal/money"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const adminSecret = "test-admin-secret"

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                  "0",
		Env:                   "development",
		LogLevel:              "error",
		LogFormat:             "text",
		AdminSecret:           adminSecret,
		GatewayProvider:       "memory",
		CommissionBps:         1000,
		DisputeWindow:         time.Hour,
		DisputeAdminDeadline:  48 * time.Hour,
		DisputeFallbackBps:    5000,
		EarlyRefundThreshold:  24 * time.Hour,
		MediumRefundThreshold: 12 * time.Hour,
		JobLockTTL:            time.Minute,
		ReleaseInterval:       time.Minute,
		PayoutInterval:        time.Minute,
		SLAInterval:           time.Minute,
		ReconcileInterval:     time.Minute,
		BatchSize:             10,
		PayoutConcurrency:     2,
		MaxPayoutAttempts:     3,
		MaxDeliveryAttempts:   3,
		TransferTimeout:       30 * time.Minute,
		RateLimitPerMinute:    600,
	}
}

// newTestServer creates a server backed by in-memory stores and gateway
func newTestServer(t *testing.T) (*Server, *gateway.MemoryClient) {
	t.Helper()
	gw := gateway.NewMemoryClient()
	s, err := New(testConfig(), WithGateway(gw))
	require.NoError(t, err)
	return s, gw
}

type caller struct {
	id, role string
	secret   string
}

var (
	anonymous = caller{}
	guest     = caller{id: "guest-1", role: "guest"}
	realtor   = caller{id: "realtor-1", role: "realtor"}
	operator  = caller{id: "ops-1", role: "admin", secret: adminSecret}
)

func do(t *testing.T, s *Server, who caller, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if who.id != "" {
		req.Header.Set(auth.HeaderActorID, who.id)
		req.Header.Set(auth.HeaderActorRole, who.role)
	}
	if who.secret != "" {
		req.Header.Set(auth.HeaderAdminSecret, who.secret)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealth_ReportsSchedulerState(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, anonymous, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	require.Len(t, resp.Checks, 1)
	assert.Equal(t, "scheduler", resp.Checks[0].Name)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.scheduler.Start(ctx)
	require.Eventually(t, s.scheduler.Running, time.Second, 5*time.Millisecond)

	w = do(t, s, anonymous, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestLivenessAndReadiness(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, anonymous, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, anonymous, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.ready.Store(true)
	w = do(t, s, anonymous, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(t, s, anonymous, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "shortlet_")
}

func TestSecurityHeaders(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(t, s, anonymous, http.MethodGet, "/health/live", nil)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestAuthBoundaries(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name   string
		who    caller
		method string
		path   string
		want   int
	}{
		{"participant route needs identity", anonymous, http.MethodGet, "/bookings/bk1/escrow-events", http.StatusUnauthorized},
		{"admin route rejects guest", guest, http.MethodGet, "/admin/jobs", http.StatusForbidden},
		{"admin route needs secret", caller{id: "ops-1", role: "admin"}, http.MethodGet, "/admin/jobs", http.StatusForbidden},
		{"admin route", operator, http.MethodGet, "/admin/jobs", http.StatusOK},
		{"job locks", operator, http.MethodGet, "/admin/system/job-locks", http.StatusOK},
		{"health stats", operator, http.MethodGet, "/admin/system/health-stats", http.StatusOK},
		{"invalid id param", guest, http.MethodGet, "/bookings/bad%20id/escrow-events", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, tt.who, tt.method, tt.path, nil)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestWebhookRoute_RejectsUnsigned(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(t, s, anonymous, http.MethodPost, "/webhooks/gateway", map[string]string{"event": "transfer.paid"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRunJobNow(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, operator, http.MethodPost, "/admin/jobs/room_fee_release/run", nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, operator, http.MethodPost, "/admin/jobs/nope/run", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBookingLifecycle_HoldThenCancel(t *testing.T) {
	s, gw := newTestServer(t)
	checkIn := time.Now().Add(72 * time.Hour).UTC()
	fees := money.Fees{
		RoomFee:         money.Naira(90000),
		CleaningFee:     money.Naira(5000),
		ServiceFee:      money.Naira(3000),
		SecurityDeposit: money.Naira(20000),
	}

	w := do(t, s, operator, http.MethodPost, "/admin/bookings", map[string]any{
		"id":                "bk1",
		"guestId":           guest.id,
		"realtorId":         realtor.id,
		"propertyId":        "prop-1",
		"realtorSubaccount": "acct_realtor1",
		"checkInAt":         checkIn,
		"checkOutAt":        checkIn.Add(72 * time.Hour),
		"nightlyRate":       money.Naira(30000),
		"nights":            3,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	gw.AddPayment(gateway.Verification{
		Reference: "pay_bk1", Amount: fees.Total(), Currency: money.DefaultCurrency, Paid: true, BookingID: "bk1",
	})
	w = do(t, s, guest, http.MethodPost, "/payments/verify", map[string]any{
		"bookingId": "bk1", "reference": "pay_bk1", "fees": fees,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Another guest cannot see the booking.
	w = do(t, s, caller{id: "guest-2", role: "guest"}, http.MethodGet, "/bookings/bk1/escrow-events", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, guest, http.MethodPost, "/bookings/bk1/cancel", map[string]string{"reason": "plans changed"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var cancelled struct {
		Breakdown struct {
			Tier          string `json:"tier"`
			CustomerTotal int64  `json:"customerTotal"`
		} `json:"breakdown"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cancelled))
	assert.Equal(t, "EARLY", cancelled.Breakdown.Tier)

	w = do(t, s, realtor, http.MethodGet, "/bookings/bk1/escrow-events", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var history struct {
		Events []struct {
			Type string `json:"type"`
		} `json:"events"`
		Realized struct {
			Customer int64 `json:"customer"`
		} `json:"realized"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	require.NotEmpty(t, history.Events)
	assert.Equal(t, "FUNDS_HELD", history.Events[0].Type)
	assert.Equal(t, cancelled.Breakdown.CustomerTotal, history.Realized.Customer)
	assert.Equal(t, money.Naira(81000)+fees.SecurityDeposit, history.Realized.Customer)

	w = do(t, s, operator, http.MethodGet, "/admin/webhooks/booking/bk1", nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://app:hunter2@db:5432/shortlet")
	assert.NotContains(t, masked, "hunter2")
	assert.Contains(t, masked, "@db:5432/shortlet")
	assert.Equal(t, "***", maskDSN("://bad"))
}
