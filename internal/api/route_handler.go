package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"jobdispatch/internal/constants"
	"jobdispatch/internal/custom_errors"
	"jobdispatch/internal/models"
	"jobdispatch/internal/publisher"
	"jobdispatch/internal/state"
	"jobdispatch/internal/store"
)

// JobService is the set of control operations the API exposes.
type JobService interface {
	UpsertJob(ctx context.Context, def models.JobDefinition) (*models.Job, bool, error)
	GetJob(ctx context.Context, scope, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context, scope string, page, pageSize int) (*models.PaginationResult[models.Job], error)
	DeleteJob(ctx context.Context, scope, jobID string) error
	RunNow(ctx context.Context, scope, jobID string, params map[string]any) (*models.JobMessage, error)
	PauseJob(ctx context.Context, scope, jobID string) (*models.Job, error)
	ResumeJob(ctx context.Context, scope, jobID string) (*models.Job, error)
	MarkJobRun(ctx context.Context, scope, jobID string, report models.RunReport) (*models.Job, error)
	Stats(ctx context.Context, scope string) (map[state.JobStatus]int, error)
}

// HealthInfo is reported by GET /health.
type HealthInfo struct {
	Scope         string
	TickSeconds   int
	StorageDriver string
}

type RouteHandler struct {
	jobs   JobService
	health HealthInfo
}

func NewRouteHandler(jobs JobService, health HealthInfo) *RouteHandler {
	return &RouteHandler{jobs: jobs, health: health}
}

// Register mounts every route on r.
func (h *RouteHandler) Register(r gin.IRouter) {
	r.GET("/health", h.Health)
	r.GET("/stats", h.Stats)

	jobs := r.Group("/jobs")
	{
		jobs.GET("", h.ListJobs)
		jobs.POST("", h.CreateJob)
		jobs.GET("/:id", h.GetJob)
		jobs.PUT("/:id", h.UpdateJob)
		jobs.DELETE("/:id", h.DeleteJob)
		jobs.POST("/:id/run-now", h.RunNow)
		jobs.POST("/:id/pause", h.PauseJob)
		jobs.POST("/:id/resume", h.ResumeJob)
		jobs.POST("/:id/last-run", h.MarkLastRun)
	}
}

func (h *RouteHandler) scope(c *gin.Context) string {
	return c.DefaultQuery("scope", h.health.Scope)
}

// writeError maps domain errors onto status codes.
func writeError(c *gin.Context, err error) {
	_ = c.Error(err)

	var verr *custom_errors.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "details": verr.Messages()})
	case errors.Is(err, store.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, publisher.ErrPublish):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func badRequest(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// GET /health
func (h *RouteHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"scope":          h.health.Scope,
		"tick_seconds":   h.health.TickSeconds,
		"storage_driver": h.health.StorageDriver,
	})
}

// GET /jobs?scope=&page=&page_size=
func (h *RouteHandler) ListJobs(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		badRequest(c, errors.New("page must be a positive integer"))
		return
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", strconv.Itoa(constants.DefaultPageSize)))
	if err != nil || pageSize < 1 {
		badRequest(c, errors.New("page_size must be a positive integer"))
		return
	}

	result, err := h.jobs.ListJobs(c.Request.Context(), h.scope(c), page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// POST /jobs
func (h *RouteHandler) CreateJob(c *gin.Context) {
	var def models.JobDefinition
	if err := c.ShouldBindJSON(&def); err != nil {
		badRequest(c, errors.Wrap(err, "invalid job definition"))
		return
	}
	h.upsert(c, def)
}

// PUT /jobs/:id
func (h *RouteHandler) UpdateJob(c *gin.Context) {
	var def models.JobDefinition
	if err := c.ShouldBindJSON(&def); err != nil {
		badRequest(c, errors.Wrap(err, "invalid job definition"))
		return
	}

	id := c.Param("id")
	if def.JobID != "" && def.JobID != id {
		badRequest(c, errors.Newf("job_id %q does not match path %q", def.JobID, id))
		return
	}
	def.JobID = id
	h.upsert(c, def)
}

func (h *RouteHandler) upsert(c *gin.Context, def models.JobDefinition) {
	if def.Scope == "" {
		def.Scope = h.scope(c)
	}

	job, created, err := h.jobs.UpsertJob(c.Request.Context(), def)
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, job)
}

// GET /jobs/:id
func (h *RouteHandler) GetJob(c *gin.Context) {
	job, err := h.jobs.GetJob(c.Request.Context(), h.scope(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// DELETE /jobs/:id
func (h *RouteHandler) DeleteJob(c *gin.Context) {
	if err := h.jobs.DeleteJob(c.Request.Context(), h.scope(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
}

type runNowRequest struct {
	Params map[string]any `json:"params"`
}

// POST /jobs/:id/run-now
func (h *RouteHandler) RunNow(c *gin.Context) {
	var req runNowRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, errors.Wrap(err, "invalid run-now request"))
			return
		}
	}

	msg, err := h.jobs.RunNow(c.Request.Context(), h.scope(c), c.Param("id"), req.Params)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message_id": msg.RunID, "message": msg})
}

// POST /jobs/:id/pause
func (h *RouteHandler) PauseJob(c *gin.Context) {
	job, err := h.jobs.PauseJob(c.Request.Context(), h.scope(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// POST /jobs/:id/resume
func (h *RouteHandler) ResumeJob(c *gin.Context) {
	job, err := h.jobs.ResumeJob(c.Request.Context(), h.scope(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// POST /jobs/:id/last-run
//
// Workers report a finished run here. The body scope wins over the query
// parameter since workers only know the scope from the message.
func (h *RouteHandler) MarkLastRun(c *gin.Context) {
	var report models.RunReport
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&report); err != nil {
			badRequest(c, errors.Wrap(err, "invalid run report"))
			return
		}
	}

	scope := report.Scope
	if scope == "" {
		scope = h.scope(c)
	}

	job, err := h.jobs.MarkJobRun(c.Request.Context(), scope, c.Param("id"), report)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// GET /stats?scope=
func (h *RouteHandler) Stats(c *gin.Context) {
	scope := h.scope(c)
	counts, err := h.jobs.Stats(c.Request.Context(), scope)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scope": scope, "counts": counts})
}
