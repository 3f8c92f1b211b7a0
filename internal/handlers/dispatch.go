package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/antonpaquin/citrine/internal/scheduler"
)

// Dispatcher bridges HTTP handlers and the worker pool. Every operation is
// submitted as a job; the sync form awaits the outcome on the frontend, the
// async form returns the job descriptor immediately.
type Dispatcher struct {
	logger    arbor.ILogger
	scheduler *scheduler.Scheduler
}

// NewDispatcher creates the handler-to-scheduler bridge
func NewDispatcher(logger arbor.ILogger, sched *scheduler.Scheduler) *Dispatcher {
	return &Dispatcher{logger: logger, scheduler: sched}
}

// Sync submits a job and blocks until it finishes, writing the result or the
// job's error. Abandoning the request does not cancel the job.
func (d *Dispatcher) Sync(w http.ResponseWriter, r *http.Request, method string, body scheduler.Body) {
	job, err := d.scheduler.Submit(method, body)
	if err != nil {
		WriteError(w, err)
		return
	}
	result, err := d.scheduler.Await(r.Context(), job)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

// Async submits a job and returns its descriptor without waiting
func (d *Dispatcher) Async(w http.ResponseWriter, method string, body scheduler.Body) {
	job, err := d.scheduler.Submit(method, body)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job.Descriptor())
}

// Dispatch picks the sync or async form
func (d *Dispatcher) Dispatch(w http.ResponseWriter, r *http.Request, method string, async bool, body scheduler.Body) {
	d.logger.Debug().Str("method", method).Bool("async", async).Msg("Handling request")
	if async {
		d.Async(w, method, body)
		return
	}
	d.Sync(w, r, method, body)
}
