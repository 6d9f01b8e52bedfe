package api

import (
	"context"
	"net/http"
	"strconv"

	"grade-publisher/internal/config"
	"grade-publisher/internal/export"
	"grade-publisher/internal/logger"
	"grade-publisher/internal/model"
	"grade-publisher/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// QueueMonitor is the Redis side of the health check.
type QueueMonitor interface {
	Ping(ctx context.Context) error
	Depths(ctx context.Context) (map[string]int64, error)
}

type Handler struct {
	orchestrator *export.Orchestrator
	queues       QueueMonitor
	cfg          *config.Config
	log          zerolog.Logger
}

// NewHandler builds the API handler. queues may be nil.
func NewHandler(orchestrator *export.Orchestrator, queues QueueMonitor, cfg *config.Config) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		queues:       queues,
		cfg:          cfg,
		log:          logger.Get(),
	}
}

func (h *Handler) PublishGrades(c *gin.Context) {
	courseID, ok := int64Param(c, "course_id")
	if !ok {
		return
	}

	var req model.PublishRequest
	if fields := Bind(c, &req); fields != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "fields": fields})
		return
	}

	if err := h.orchestrator.Publish(c.Request.Context(), courseID, req.PublishingUserID, req.UserID); err != nil {
		h.respondError(c, err, "Failed to publish final grades")
		return
	}

	h.log.Info().
		Int64("course_id", courseID).
		Int64("publishing_user_id", req.PublishingUserID).
		Msg("Final grade publishing queued")

	c.JSON(http.StatusAccepted, gin.H{"message": "Final grade publishing queued"})
}

func (h *Handler) GetPublishingStatus(c *gin.Context) {
	courseID, ok := int64Param(c, "course_id")
	if !ok {
		return
	}

	grouped, overall, err := h.orchestrator.PublishingStatuses(c.Request.Context(), courseID)
	if err != nil {
		h.respondError(c, err, "Failed to load publishing status")
		return
	}

	resp := model.PublishingStatusResponse{
		CourseID:      courseID,
		OverallStatus: overall,
		Messages:      make(map[string][]model.EnrollmentID, len(grouped)),
	}
	for message, enrollments := range grouped {
		ids := make([]model.EnrollmentID, 0, len(enrollments))
		for _, e := range enrollments {
			ids = append(ids, model.EnrollmentID{EnrollmentID: e.ID, UserID: e.UserID})
		}
		resp.Messages[message] = ids
	}

	c.JSON(http.StatusOK, resp)
}

func (h *Handler) ExpirePublishing(c *gin.Context) {
	courseID, ok := int64Param(c, "course_id")
	if !ok {
		return
	}

	var req model.ExpireRequest
	if fields := Bind(c, &req); fields != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "fields": fields})
		return
	}

	n, err := h.orchestrator.ExpirePending(c.Request.Context(), courseID, req.Cutoff)
	if err != nil {
		h.respondError(c, err, "Failed to expire pending publishing")
		return
	}

	c.JSON(http.StatusOK, gin.H{"expired": n})
}

// ConfirmPublishing is called by the SIS, or an operator, once grades sent with
// wait_for_success were accepted.
func (h *Handler) ConfirmPublishing(c *gin.Context) {
	courseID, ok := int64Param(c, "course_id")
	if !ok {
		return
	}

	var req model.ConfirmRequest
	if c.Request.ContentLength != 0 {
		if fields := Bind(c, &req); fields != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "fields": fields})
			return
		}
	}

	n, err := h.orchestrator.ConfirmPublished(c.Request.Context(), courseID, req.EnrollmentIDs)
	if err != nil {
		h.respondError(c, err, "Failed to confirm grade publishing")
		return
	}

	c.JSON(http.StatusOK, gin.H{"confirmed": n})
}

func (h *Handler) RecomputeScores(c *gin.Context) {
	courseID, ok := int64Param(c, "course_id")
	if !ok {
		return
	}

	var req model.RecomputeRequest
	if c.Request.ContentLength != 0 {
		if fields := Bind(c, &req); fields != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "fields": fields})
			return
		}
	}

	n, err := h.orchestrator.RecomputeScores(c.Request.Context(), courseID, req.UserIDs)
	if err != nil {
		h.respondError(c, err, "Failed to recompute scores")
		return
	}

	c.JSON(http.StatusOK, gin.H{"students": n})
}

func (h *Handler) GradebookCSV(c *gin.Context) {
	courseID, ok := int64Param(c, "course_id")
	if !ok {
		return
	}

	requesterID, err := strconv.ParseInt(c.Query("requester_id"), 10, 64)
	if err != nil || requesterID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid requester ID"})
		return
	}
	includeSIS, _ := strconv.ParseBool(c.DefaultQuery("include_sis_id", "false"))

	data, err := h.orchestrator.ExportCSV(c.Request.Context(), courseID, requesterID, export.CSVOptions{IncludeSIS: includeSIS})
	if err != nil {
		h.respondError(c, err, "Failed to export gradebook")
		return
	}

	c.Header("Content-Disposition", `attachment; filename="gradebook-`+strconv.FormatInt(courseID, 10)+`.csv"`)
	c.Data(http.StatusOK, model.ExportCSV.ContentType(), data)
}

func (h *Handler) CreateExport(c *gin.Context) {
	courseID, ok := int64Param(c, "course_id")
	if !ok {
		return
	}

	var req model.ExportRequest
	if fields := Bind(c, &req); fields != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "fields": fields})
		return
	}

	exp, err := h.orchestrator.CreateExport(c.Request.Context(), courseID, req.RequesterID, req.Format, req.IncludeSIS)
	if err != nil {
		h.respondError(c, err, "Failed to create gradebook export")
		return
	}

	c.JSON(http.StatusAccepted, exp)
}

func (h *Handler) GetExport(c *gin.Context) {
	exp, err := h.orchestrator.GetExport(c.Request.Context(), c.Param("export_id"))
	if err != nil {
		h.respondError(c, err, "Failed to load gradebook export")
		return
	}

	c.JSON(http.StatusOK, exp)
}

func (h *Handler) DownloadExport(c *gin.Context) {
	exp, body, err := h.orchestrator.OpenExport(c.Request.Context(), c.Param("export_id"))
	if err != nil {
		if errors.Is(err, errors.ErrExportNotReady) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "status": exp.Status})
			return
		}
		h.respondError(c, err, "Failed to download gradebook export")
		return
	}
	defer body.Close()

	filename := "gradebook-" + strconv.FormatInt(exp.CourseID, 10) + "." + exp.Format.Extension()
	c.DataFromReader(http.StatusOK, -1, exp.Format.ContentType(), body, map[string]string{
		"Content-Disposition": `attachment; filename="` + filename + `"`,
	})
}

func (h *Handler) HealthCheck(c *gin.Context) {
	body := gin.H{
		"status":  "healthy",
		"service": h.cfg.App.Name,
		"version": h.cfg.App.Version,
	}

	if h.queues != nil {
		ctx := c.Request.Context()
		if err := h.queues.Ping(ctx); err != nil {
			h.log.Error().Err(err).Msg("Health check failed")
			body["status"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		depths, err := h.queues.Depths(ctx)
		if err != nil {
			h.log.Warn().Err(err).Msg("Failed to read queue depths")
		} else {
			body["queues"] = depths
		}
	}

	c.JSON(http.StatusOK, body)
}

func (h *Handler) respondError(c *gin.Context, err error, msg string) {
	var ve errors.ValidationError
	switch {
	case errors.IsConfigurationError(err):
		// Configuration errors are shown to the user as-is.
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, errors.ErrCourseNotFound),
		errors.Is(err, errors.ErrExportNotFound),
		errors.Is(err, errors.ErrUserNotFound),
		errors.Is(err, errors.ErrObjectNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, errors.ErrExportNotReady):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, errors.ErrUnsupportedFormat),
		errors.Is(err, errors.ErrInvalidScore),
		errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg(msg)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

func int64Param(c *gin.Context, name string) (int64, bool) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || v <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name})
		return 0, false
	}
	return v, true
}
