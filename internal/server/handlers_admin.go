package server

import (
	"net/http"

	"github.com/halcyon-ai/halcyon/internal/model"
)

// HandleAdminBreakers handles POST /v1/admin/breakers. The only supported
// action is "reset", targeting one breaker by name or "all".
func (h *Handlers) HandleAdminBreakers(w http.ResponseWriter, r *http.Request) {
	var req model.BreakerAdminRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.Action != "reset" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown action, expected \"reset\"")
		return
	}
	if req.Breaker == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "breaker is required (a name or \"all\")")
		return
	}

	if req.Breaker == "all" {
		h.registry.ResetAll()
		h.logger.Info("all breakers reset by admin")
		writeJSON(w, r, http.StatusOK, model.ActionResponse{Message: "all breakers reset"})
		return
	}

	if !h.registry.Reset(req.Breaker) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown breaker")
		return
	}
	h.logger.Info("breaker reset by admin", "breaker", req.Breaker)
	writeJSON(w, r, http.StatusOK, model.ActionResponse{Message: "breaker " + req.Breaker + " reset"})
}

// HandleAdminQueueGet handles GET /v1/admin/queue: the monitor's metrics
// snapshot.
func (h *Handlers) HandleAdminQueueGet(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.monitor.Metrics(r.Context())
	if err != nil {
		h.logger.Error("queue metrics", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to collect queue metrics")
		return
	}
	writeJSON(w, r, http.StatusOK, metrics)
}

// HandleAdminQueuePost handles POST /v1/admin/queue lifecycle actions.
func (h *Handlers) HandleAdminQueuePost(w http.ResponseWriter, r *http.Request) {
	var req model.QueueAdminRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	var message string
	switch req.Action {
	case "start":
		h.monitor.Start()
		message = "queue monitor started"
	case "stop":
		h.monitor.Stop()
		message = "queue monitor stopped"
	case "pause":
		h.monitor.PauseAll()
		message = "queues paused"
	case "resume":
		h.monitor.ResumeAll()
		message = "queues resumed"
	case "cleanup":
		purged, err := h.monitor.Cleanup(r.Context())
		if err != nil {
			h.logger.Error("queue cleanup", "error", err)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "cleanup failed")
			return
		}
		h.logger.Info("queue cleanup by admin", "purged", purged)
		writeJSON(w, r, http.StatusOK, map[string]any{
			"message": "cleanup complete",
			"purged":  purged,
		})
		return
	case "reset-metrics":
		h.monitor.ResetMetrics()
		message = "queue metrics reset"
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"unknown action, expected start|stop|pause|resume|cleanup|reset-metrics")
		return
	}

	h.logger.Info("queue admin action", "action", req.Action)
	writeJSON(w, r, http.StatusOK, model.ActionResponse{Message: message})
}
