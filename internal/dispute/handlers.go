package dispute

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/shortlet/internal/auth"
	"github.com/mbd888/shortlet/internal/ledger"
	"github.com/mbd888/shortlet/internal/pagination"
	"github.com/mbd888/shortlet/internal/validation"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up participant routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/bookings/:id/disputes", h.OpenDispute)
	r.GET("/bookings/:id/disputes", h.ListDisputes)
	r.GET("/disputes/:id", h.GetDispute)
	r.POST("/disputes/:id/request-response", h.RequestResponse)
	r.POST("/disputes/:id/escalate", h.Escalate)
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/disputes", h.ListQueue)
	r.POST("/admin/disputes/:id/resolve", h.Resolve)
}

// ListQueue handles GET /admin/disputes?status=&cursor=&limit=
// Status defaults to ESCALATED, the queue waiting on an admin decision.
func (h *Handler) ListQueue(c *gin.Context) {
	status := Status(c.DefaultQuery("status", string(StatusEscalated)))
	switch status {
	case StatusOpen, StatusAwaitingResponse, StatusEscalated, StatusResolved, StatusRejected:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "unknown dispute status"})
		return
	}
	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}
	limit := pagination.Limit(c.Query("limit"))

	rows, err := h.service.store.ListByStatus(c.Request.Context(), status, after, limit+1)
	if err != nil {
		writeError(c, err)
		return
	}
	page := pagination.NewPage(rows, limit, func(d *Dispute) (time.Time, string) { return d.CreatedAt, d.ID })
	c.JSON(http.StatusOK, gin.H{
		"disputes":   page.Items,
		"count":      len(page.Items),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

// OpenDispute handles POST /bookings/:id/disputes
func (h *Handler) OpenDispute(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.OneOf("subject", string(req.Subject), string(SubjectRoomFee), string(SubjectDeposit), string(SubjectGeneral)),
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, 2000),
		validation.MaxLength("claim", req.Claim, 5000),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	req.Reason = validation.SanitizeString(req.Reason, 2000)
	req.Claim = validation.SanitizeString(req.Claim, 5000)

	d, err := h.service.Open(c.Request.Context(), c.Param("id"), actor, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// ListDisputes handles GET /bookings/:id/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	b, err := h.service.ledger.Store().GetBooking(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !actor.CanView(b) {
		writeError(c, ledger.ErrBookingNotFound)
		return
	}
	list, err := h.service.store.ListByBooking(ctx, b.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []*Dispute{}
	}
	c.JSON(http.StatusOK, gin.H{"disputes": list, "count": len(list)})
}

// GetDispute handles GET /disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	d, _, err := h.service.Get(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// RequestResponse handles POST /disputes/:id/request-response
func (h *Handler) RequestResponse(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req struct {
		Note string `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	d, err := h.service.RequestResponse(c.Request.Context(), c.Param("id"), actor, validation.SanitizeString(req.Note, 5000))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Escalate handles POST /disputes/:id/escalate
func (h *Handler) Escalate(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	d, err := h.service.Escalate(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Resolve handles POST /admin/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if !req.Decision.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "decision must be FULL_REFUND, FULL_PAYOUT, PARTIAL_REFUND or REJECTED",
		})
		return
	}
	req.Notes = validation.SanitizeString(req.Notes, 2000)

	d, err := h.service.Resolve(c.Request.Context(), c.Param("id"), req, actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
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
	case errors.Is(err, ErrDisputeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Dispute not found"})
	case errors.Is(err, ledger.ErrBookingNotFound), errors.Is(err, ErrNotParticipant):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Booking not found"})
	case errors.Is(err, ledger.ErrPaymentNotFound):
		c.JSON(http.StatusConflict, gin.H{"error": "not_paid", "message": "Booking has no held payment"})
	case errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.As(err, &overdraft):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "escrow_overdraft", "message": err.Error()})
	case errors.Is(err, ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "already_resolved", "message": err.Error()})
	case errors.Is(err, ErrDisputeExists):
		c.JSON(http.StatusConflict, gin.H{"error": "dispute_exists", "message": err.Error()})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	case errors.Is(err, ErrBookingClosed), errors.Is(err, ErrNothingInEscrow):
		c.JSON(http.StatusConflict, gin.H{"error": "not_disputable", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Dispute operation failed"})
	}
}
