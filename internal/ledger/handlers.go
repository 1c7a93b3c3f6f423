package ledger

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/shortlet/internal/validation"
)

// Handler provides HTTP endpoints for the escrow ledger.
type Handler struct {
	service       *Service
	disputeWindow time.Duration
}

// NewHandler creates a new ledger handler. disputeWindow is added to
// check-in to derive when the room fee may be released.
func NewHandler(service *Service, disputeWindow time.Duration) *Handler {
	return &Handler{service: service, disputeWindow: disputeWindow}
}

// RegisterRoutes sets up participant routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/bookings/:id/escrow-events", h.ListEscrowEvents)
	r.GET("/bookings/:id/payment", h.GetPayment)
}

// RegisterAdminRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/bookings", h.RegisterBooking)
	r.POST("/admin/bookings/:id/stay-status", h.UpdateStay)
	r.POST("/admin/escrow-events/:id/compensate", h.Compensate)
}

// ListEscrowEvents handles GET /bookings/:id/escrow-events
func (h *Handler) ListEscrowEvents(c *gin.Context) {
	booking, ok := h.authorizeBooking(c)
	if !ok {
		return
	}

	events, err := h.service.ListForBooking(c.Request.Context(), booking.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list escrow events",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"bookingId": booking.ID,
		"events":    events,
		"count":     len(events),
		"realized":  Replay(events),
	})
}

// GetPayment handles GET /bookings/:id/payment
func (h *Handler) GetPayment(c *gin.Context) {
	booking, ok := h.authorizeBooking(c)
	if !ok {
		return
	}

	payment, err := h.service.Store().GetPayment(c.Request.Context(), booking.ID)
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No payment recorded for booking",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get payment",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": booking, "payment": payment})
}

// authorizeBooking loads :id and checks the caller may see it. It writes
// the error response itself.
func (h *Handler) authorizeBooking(c *gin.Context) (*Booking, bool) {
	actor, ok := RequestActor(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Authentication required",
		})
		return nil, false
	}

	booking, err := h.service.Store().GetBooking(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrBookingNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Booking not found",
			})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get booking",
		})
		return nil, false
	}

	// 404 rather than 403 so booking IDs cannot be enumerated.
	if !actor.CanView(booking) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Booking not found",
		})
		return nil, false
	}
	return booking, true
}

// RegisterBookingRequest is the payload the booking subsystem sends when a
// reservation is confirmed.
type RegisterBookingRequest struct {
	ID                string    `json:"id"`
	GuestID           string    `json:"guestId"`
	RealtorID         string    `json:"realtorId"`
	PropertyID        string    `json:"propertyId"`
	RealtorSubaccount string    `json:"realtorSubaccount"`
	Currency          string    `json:"currency"`
	CheckInAt         time.Time `json:"checkInAt"`
	CheckOutAt        time.Time `json:"checkOutAt"`
	NightlyRate       int64     `json:"nightlyRate"`
	Nights            int       `json:"nights"`
}

// RegisterBooking handles POST /admin/bookings
func (h *Handler) RegisterBooking(c *gin.Context) {
	var req RegisterBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidID("id", req.ID),
		validation.ValidID("guestId", req.GuestID),
		validation.ValidID("realtorId", req.RealtorID),
		validation.NonNegative("nightlyRate", req.NightlyRate),
		validation.Positive("nights", int64(req.Nights)),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	booking, err := h.service.RegisterBooking(c.Request.Context(), &Booking{
		ID:                req.ID,
		GuestID:           req.GuestID,
		RealtorID:         req.RealtorID,
		PropertyID:        req.PropertyID,
		RealtorSubaccount: req.RealtorSubaccount,
		Currency:          req.Currency,
		CheckInAt:         req.CheckInAt,
		CheckOutAt:        req.CheckOutAt,
		NightlyRate:       req.NightlyRate,
		Nights:            req.Nights,
	}, h.disputeWindow)
	if err != nil {
		switch {
		case errors.Is(err, ErrBookingExists):
			c.JSON(http.StatusConflict, gin.H{"error": "booking_exists", "message": err.Error()})
		case errors.Is(err, ErrInvalidEvent):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_booking", "message": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to register booking"})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"booking": booking})
}

// UpdateStay handles POST /admin/bookings/:id/stay-status
func (h *Handler) UpdateStay(c *gin.Context) {
	var req struct {
		StayStatus StayStatus `json:"stayStatus"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	switch req.StayStatus {
	case StayNotStarted, StayCheckedIn, StayCheckedOut:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "stayStatus must be NOT_STARTED, CHECKED_IN or CHECKED_OUT",
		})
		return
	}

	booking, err := h.service.UpdateStay(c.Request.Context(), c.Param("id"), req.StayStatus)
	if err != nil {
		switch {
		case errors.Is(err, ErrBookingNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Booking not found"})
		case errors.Is(err, ErrInvalidEvent):
			c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to update stay"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": booking})
}

// Compensate handles POST /admin/escrow-events/:id/compensate
func (h *Handler) Compensate(c *gin.Context) {
	var req struct {
		Notes string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("notes", req.Notes),
		validation.MaxLength("notes", req.Notes, 1000),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
		})
		return
	}

	adj, err := h.service.Compensate(c.Request.Context(), c.Param("id"), validation.SanitizeString(req.Notes, 1000))
	if err != nil {
		switch {
		case errors.Is(err, ErrEventNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Escrow event not found"})
		case errors.Is(err, ErrNotCompensable):
			c.JSON(http.StatusBadRequest, gin.H{"error": "not_compensable", "message": err.Error()})
		case errors.Is(err, ErrDuplicateReference):
			c.JSON(http.StatusConflict, gin.H{"error": "already_compensated", "message": "Event was already compensated"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to compensate event"})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"event": adj})
}
