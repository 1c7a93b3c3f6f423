package webhooks

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/shortlet/internal/ledger"
)

const maxPayloadBytes = 1 << 20

// Handler serves the provider callback endpoint and the admin delivery view.
type Handler struct {
	service *Service
}

// NewHandler creates a new webhook handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the unauthenticated provider callback route.
// Requests are authenticated by their signature.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/gateway", h.Receive)
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/webhooks/booking/:id", h.BookingDeliveries)
}

// Receive handles POST /webhooks/gateway
func (h *Handler) Receive(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxPayloadBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large", "message": "Webhook payload too large"})
		return
	}

	rcpt, err := h.service.Handle(c.Request.Context(), payload, c.Request.Header)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": rcpt.Status, "receiptId": rcpt.ID})
	case errors.Is(err, ErrUnknownProvider), errors.Is(err, ErrInvalidSignature):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature", "message": "Webhook signature missing or invalid"})
	case errors.Is(err, ErrMalformed):
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed_payload", "message": err.Error()})
	default:
		// A 5xx makes the provider redeliver.
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to apply webhook"})
	}
}

// Delivery is the confirmation status of one escrow event that moves money
// through the gateway.
type Delivery struct {
	EventID          string             `json:"eventId"`
	Type             ledger.EventType   `json:"type"`
	Recipient        ledger.Party       `json:"recipient"`
	Amount           int64              `json:"amount"`
	AttemptReference string             `json:"attemptReference"`
	Outcome          ledger.OutcomeKind `json:"outcome"`
	ProviderTxID     string             `json:"providerTxId,omitempty"`
	RetryCount       int                `json:"retryCount"`
	LastAttemptAt    *time.Time         `json:"lastAttemptAt,omitempty"`
}

// BookingDeliveries handles GET /admin/webhooks/booking/:id
func (h *Handler) BookingDeliveries(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if _, err := h.service.ledger.Store().GetBooking(ctx, id); err != nil {
		if errors.Is(err, ledger.ErrBookingNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Booking not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load booking"})
		return
	}
	events, err := h.service.ledger.Store().ListEvents(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list escrow events"})
		return
	}
	receipts, err := h.service.store.ListByBooking(ctx, id, 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list webhook receipts"})
		return
	}

	deliveries := make([]Delivery, 0, len(events))
	for _, e := range events {
		if !e.NeedsDelivery() {
			continue
		}
		deliveries = append(deliveries, Delivery{
			EventID:          e.ID,
			Type:             e.Type,
			Recipient:        e.Recipient(),
			Amount:           e.DeliveryAmount(),
			AttemptReference: e.AttemptReference(),
			Outcome:          e.DeliveryStatusKind(),
			ProviderTxID:     e.ProviderTxID,
			RetryCount:       e.RetryCount,
			LastAttemptAt:    e.LastAttemptAt,
		})
	}
	if receipts == nil {
		receipts = []*Receipt{}
	}

	c.JSON(http.StatusOK, gin.H{
		"bookingId":  id,
		"deliveries": deliveries,
		"receipts":   receipts,
	})
}
