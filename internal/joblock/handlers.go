package joblock

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/shortlet/internal/auth"
)

// Handler exposes job locks to operators.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new job lock handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterAdminRoutes sets up admin-only lock routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/system/job-locks", h.ListLocks)
	r.DELETE("/admin/system/job-locks/:id", h.ForceRelease)
}

// ListLocks handles GET /admin/system/job-locks
func (h *Handler) ListLocks(c *gin.Context) {
	locks, err := h.manager.ListActive(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list job locks",
		})
		return
	}
	if locks == nil {
		locks = []*Lock{}
	}
	c.JSON(http.StatusOK, gin.H{"locks": locks, "count": len(locks)})
}

// ForceRelease handles DELETE /admin/system/job-locks/:id
func (h *Handler) ForceRelease(c *gin.Context) {
	actor, _ := auth.GetActor(c)

	rec, err := h.manager.ForceRelease(c.Request.Context(), c.Param("id"), actor.String())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Job lock not found or already released",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to release job lock",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"released": rec,
		"message":  "Lock released. The job will run on its next tick.",
	})
}
