package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/antonpaquin/citrine/internal/common"
)

type StatusHandler struct {
	logger arbor.ILogger
}

func NewStatusHandler(logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{logger: logger}
}

// HeartbeatHandler reports that the daemon is up
func (h *StatusHandler) HeartbeatHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "OK",
		"service": "citrine-daemon",
		"version": common.GetVersion(),
	})
}

// NotFoundHandler handles unmatched routes with a JSON response
func (h *StatusHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusNotFound, map[string]any{
		"error":       "Not Found",
		"msg":         "no such endpoint: " + r.URL.Path,
		"status_code": http.StatusNotFound,
	})
}
