// Package ops exposes the worker's operational surface over HTTP: health,
// worker commands, restart history, validation reports and sync statistics.
package ops

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/septivank/meter-sync-worker/internal/collector"
	"github.com/septivank/meter-sync-worker/internal/store"
	"github.com/septivank/meter-sync-worker/internal/supervisor"
	"github.com/septivank/meter-sync-worker/internal/syncer"
	"github.com/septivank/meter-sync-worker/internal/uploader"
	"go.uber.org/zap"
)

// Handler bundles the components the ops endpoints read from.
type Handler struct {
	worker  *collector.Worker
	sup     *supervisor.Supervisor
	uploads *uploader.Manager
	configs *syncer.Orchestrator
	store   store.SyncStore
	logger  *zap.Logger
}

// NewHandler creates the ops endpoint handler.
func NewHandler(worker *collector.Worker, sup *supervisor.Supervisor, uploads *uploader.Manager, configs *syncer.Orchestrator, st store.SyncStore, logger *zap.Logger) *Handler {
	return &Handler{
		worker:  worker,
		sup:     sup,
		uploads: uploads,
		configs: configs,
		store:   st,
		logger:  logger,
	}
}

// Healthz reports liveness. Degraded (worker down) is still 200 with a
// status field, so orchestration platforms do not kill the process while the
// supervisor is mid-restart.
func (h *Handler) Healthz(c *gin.Context) {
	health := h.sup.Health()
	status := "ok"
	if !health.WorkerRunning {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status": status,
		"health": health,
	})
}

// WorkerStatus returns the worker's get_status snapshot.
func (h *Handler) WorkerStatus(c *gin.Context) {
	data, err := h.worker.Dispatch(c.Request.Context(), collector.CmdGetStatus, nil)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, data)
}

type commandRequest struct {
	Name string                 `json:"name" binding:"required"`
	Args map[string]interface{} `json:"args"`
}

// WorkerCommand dispatches an arbitrary command to the worker loop.
func (h *Handler) WorkerCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	data, err := h.worker.Dispatch(c.Request.Context(), req.Name, req.Args)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"command": req.Name, "result": data})
}

// SupervisorRestarts returns restart history and breaker state.
func (h *Handler) SupervisorRestarts(c *gin.Context) {
	c.JSON(http.StatusOK, h.sup.Restarts().Stats())
}

// SupervisorReset clears the restart counter and closes the breaker.
func (h *Handler) SupervisorReset(c *gin.Context) {
	h.sup.Restarts().ResetRestartCounter()
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

// ValidationReport returns the most recent batch validation report.
func (h *Handler) ValidationReport(c *gin.Context) {
	report := h.uploads.LatestValidationReport()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no validation report yet"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// ValidationStats returns aggregates over the retained report history.
func (h *Handler) ValidationStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.uploads.ValidationStats())
}

// RunUpload triggers an upload cycle out of schedule.
func (h *Handler) RunUpload(c *gin.Context) {
	result, err := h.uploads.RunCycle(c.Request.Context())
	if err != nil {
		if errors.Is(err, uploader.ErrCycleInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// RunConfigSync triggers a configuration reconciliation cycle out of schedule.
func (h *Handler) RunConfigSync(c *gin.Context) {
	summary, err := h.configs.RunCycle(c.Request.Context())
	if err != nil {
		if errors.Is(err, syncer.ErrSyncInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "summary": summary})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// SyncStats returns upload/sync success aggregates over a time window.
func (h *Handler) SyncStats(c *gin.Context) {
	hours := intQuery(c, "hours", 24)
	stats, err := h.store.GetSyncStats(c.Request.Context(), hours)
	if err != nil {
		h.logger.Error("failed to load sync stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load sync stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// SyncLogs returns the most recent sync audit rows.
func (h *Handler) SyncLogs(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	logs, err := h.store.GetRecentSyncLogs(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("failed to load sync logs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load sync logs"})
		return
	}
	c.JSON(http.StatusOK, logs)
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}
