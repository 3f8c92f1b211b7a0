package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/antonpaquin/citrine/internal/scheduler"
)

// JobHandler serves the async job surface: status polls and cancellation
type JobHandler struct {
	logger    arbor.ILogger
	scheduler *scheduler.Scheduler
}

func NewJobHandler(logger arbor.ILogger, sched *scheduler.Scheduler) *JobHandler {
	return &JobHandler{logger: logger, scheduler: sched}
}

// GetHandler returns a job descriptor: GET /async/get/{uid}
func (h *JobHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	job, err := h.scheduler.Get(r.PathValue("uid"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job.Descriptor())
}

// CancelHandler requests cancellation and returns the (possibly already
// terminal) descriptor: GET /async/cancel/{uid}
func (h *JobHandler) CancelHandler(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")
	if err := h.scheduler.Cancel(uid); err != nil {
		WriteError(w, err)
		return
	}
	job, err := h.scheduler.Get(uid)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job.Descriptor())
}
