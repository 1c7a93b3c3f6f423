package settlement

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/shortlet/internal/auth"
	"github.com/mbd888/shortlet/internal/gateway"
	"github.com/mbd888/shortlet/internal/ledger"
	"github.com/mbd888/shortlet/internal/money"
	"github.com/mbd888/shortlet/internal/validation"
)

// Handler provides HTTP endpoints for payments and settlement.
type Handler struct {
	service *Service
}

// NewHandler creates a new settlement handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up participant routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/bookings/:id/checkout", h.StartCheckout)
	r.POST("/payments/verify", h.VerifyPayment)
	r.GET("/bookings/:id/refund-quote", h.RefundQuote)
	r.POST("/bookings/:id/cancel", h.Cancel)
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/bookings/:id/payout", h.TriggerPayout)
	r.POST("/admin/bookings/:id/release-room-fee", h.ReleaseRoomFee)
}

type checkoutRequest struct {
	Fees  money.Fees `json:"fees"`
	Email string     `json:"email"`
}

// StartCheckout handles POST /bookings/:id/checkout
func (h *Handler) StartCheckout(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	checkout, err := h.service.StartCheckout(c.Request.Context(), c.Param("id"), actor, req.Fees, req.Email)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkout": checkout})
}

type verifyRequest struct {
	BookingID string     `json:"bookingId"`
	Reference string     `json:"reference"`
	Fees      money.Fees `json:"fees"`
}

// VerifyPayment handles POST /payments/verify
func (h *Handler) VerifyPayment(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.ValidID("bookingId", req.BookingID),
		validation.Required("reference", req.Reference),
		validation.MaxLength("reference", req.Reference, 200),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	if _, err := h.service.authorize(c.Request.Context(), req.BookingID, actor); err != nil {
		writeError(c, err)
		return
	}

	p, err := h.service.RecordVerifiedPayment(c.Request.Context(), req.BookingID, req.Reference, req.Fees)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// RefundQuote handles GET /bookings/:id/refund-quote
func (h *Handler) RefundQuote(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	quote, err := h.service.RefundQuote(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quote": quote})
}

// Cancel handles POST /bookings/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	// The body is optional.
	_ = c.ShouldBindJSON(&req)

	result, err := h.service.Cancel(c.Request.Context(), c.Param("id"), actor, validation.SanitizeString(req.Reason, 1000))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// TriggerPayout handles POST /admin/bookings/:id/payout
func (h *Handler) TriggerPayout(c *gin.Context) {
	p, err := h.service.ProcessPayout(c.Request.Context(), c.Param("id"), true)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// ReleaseRoomFee handles POST /admin/bookings/:id/release-room-fee
func (h *Handler) ReleaseRoomFee(c *gin.Context) {
	e, err := h.service.ReleaseRoomFee(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": e})
}

func requireActor(c *gin.Context) (ledger.Actor, bool) {
	actor, ok := auth.GetActor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Authentication required"})
	}
	return actor, ok
}

func writeError(c *gin.Context, err error) {
	var overdraft *ledger.OverdraftError
	switch {
	case errors.Is(err, ledger.ErrBookingNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Booking not found"})
	case errors.Is(err, ledger.ErrPaymentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No payment recorded for booking"})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrPaymentNotVerified):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "payment_not_verified", "message": err.Error()})
	case errors.Is(err, ledger.ErrAmountMismatch), errors.Is(err, money.ErrNegativeAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount_mismatch", "message": err.Error()})
	case errors.Is(err, ledger.ErrPaymentExists):
		c.JSON(http.StatusConflict, gin.H{"error": "payment_exists", "message": err.Error()})
	case errors.Is(err, ErrDisputeOpen):
		c.JSON(http.StatusConflict, gin.H{"error": "dispute_open", "message": err.Error()})
	case errors.Is(err, ErrPayoutAlreadyProcessed):
		c.JSON(http.StatusConflict, gin.H{"error": "already_processed", "message": err.Error()})
	case errors.Is(err, ErrAlreadyReleased):
		c.JSON(http.StatusConflict, gin.H{"error": "already_released", "message": err.Error()})
	case errors.Is(err, ErrNotCancellable), errors.Is(err, ErrNotEligible), errors.Is(err, ErrPayoutReversed):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	case errors.As(err, &overdraft):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "escrow_overdraft", "message": err.Error()})
	case gateway.IsRetryable(err):
		c.JSON(http.StatusBadGateway, gin.H{"error": "gateway_unavailable", "message": "Payment provider unavailable, try again"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Settlement operation failed"})
	}
}
