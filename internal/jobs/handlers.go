package jobs

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/shortlet/internal/joblock"
)

// Handler exposes manual job triggers.
type Handler struct {
	scheduler *Scheduler
}

func NewHandler(s *Scheduler) *Handler {
	return &Handler{scheduler: s}
}

// RegisterAdminRoutes mounts the job endpoints on an admin group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/jobs", h.ListJobs)
	r.POST("/admin/jobs/:name/run", h.RunNow)
}

// ListJobs handles GET /admin/jobs
func (h *Handler) ListJobs(c *gin.Context) {
	type jobView struct {
		Name    string `json:"name"`
		LastRun *Run   `json:"lastRun,omitempty"`
	}
	names := h.scheduler.Jobs()
	out := make([]jobView, 0, len(names))
	for _, n := range names {
		out = append(out, jobView{Name: n, LastRun: h.scheduler.LastRun(n)})
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out, "running": h.scheduler.Running()})
}

// RunNow handles POST /admin/jobs/:name/run
func (h *Handler) RunNow(c *gin.Context) {
	run, err := h.scheduler.RunNow(c.Request.Context(), c.Param("name"))
	switch {
	case errors.Is(err, ErrUnknownJob):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, joblock.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "job_running", "message": "Job is already running"})
	case err != nil && run == nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Job could not start"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "job_failed", "message": err.Error(), "run": run})
	default:
		c.JSON(http.StatusOK, gin.H{"run": run})
	}
}
