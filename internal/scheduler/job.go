package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/antonpaquin/citrine/internal/common"
	"github.com/antonpaquin/citrine/internal/derrors"
)

// State is a job's position in its lifecycle. Transitions only move forward
// and never leave a terminal state.
type State int

const (
	StateInit State = iota
	StateQueued
	StateRunning
	StateDone
	StateError
	StateInterrupted
)

// Terminal reports whether no further transition is allowed
func (s State) Terminal() bool {
	return s == StateDone || s == StateError || s == StateInterrupted
}

// Status renders the state as the API status string
func (s State) Status() string {
	switch s {
	case StateInit, StateQueued:
		return "Initializing"
	case StateRunning:
		return "In Progress"
	case StateDone:
		return "Done"
	case StateError:
		return "Error"
	case StateInterrupted:
		return "Interrupted"
	}
	return "Unknown"
}

// Body is the work a job performs. It must honor ctx cancellation at its
// blocking points.
type Body func(ctx context.Context) (any, error)

// RequestInfo records which operation created a job and when
type RequestInfo struct {
	Method     string    `json:"method"`
	ReceivedAt time.Time `json:"received_at"`
}

// Job is one unit of queued work. The scheduler's cache owns it; everyone
// else holds the uid.
type Job struct {
	UID  string
	Info RequestInfo

	body Body

	mu          sync.Mutex
	state       State
	result      any
	err         error
	extras      map[string]any
	cacheExpiry time.Time
	cancelRun   context.CancelFunc
	interrupt   func()
	committing  bool

	done chan struct{}
}

func newJob(method string, body Body) *Job {
	return &Job{
		UID:    common.NewJobID(),
		Info:   RequestInfo{Method: method, ReceivedAt: time.Now()},
		body:   body,
		state:  StateInit,
		extras: make(map[string]any),
		done:   make(chan struct{}),
	}
}

// State returns the job's current state
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// transition moves the state machine forward. It refuses to leave a terminal
// state or to move backward, and reports whether the move happened.
func (j *Job) transition(to State) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transitionLocked(to)
}

func (j *Job) transitionLocked(to State) bool {
	if j.state.Terminal() || to <= j.state {
		return false
	}
	j.state = to
	if to.Terminal() {
		close(j.done)
	}
	return true
}

// finish attempts the move to a terminal state, recording the outcome. The
// first terminal transition wins; later attempts are dropped.
func (j *Job) finish(state State, result any, err error) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.transitionLocked(state) {
		return false
	}
	j.result = result
	j.err = err
	return true
}

// beginCommit claims the job's outcome ahead of the session commit. It only
// succeeds while the job is still Running; after a successful claim the job
// is guaranteed to finish with the commit's result and cancellation becomes
// a no-op.
func (j *Job) beginCommit() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateRunning {
		return false
	}
	j.committing = true
	return true
}

// requestCancel implements the cancel contract: terminal and committing jobs
// are a no-op, not-yet-running jobs go straight to Interrupted, and a running
// job gets its context canceled plus the handler interrupt hook fired.
func (j *Job) requestCancel() {
	interrupted := derrors.New(derrors.JobInterrupted, "job interrupted")

	j.mu.Lock()
	if j.state.Terminal() || j.committing {
		j.mu.Unlock()
		return
	}
	cancel := j.cancelRun
	hook := j.interrupt
	j.state = StateInterrupted
	j.result = nil
	j.err = interrupted
	close(j.done)
	j.mu.Unlock()

	// Hooks run outside the lock; the interrupt may re-enter job methods
	if cancel != nil {
		cancel()
	}
	if hook != nil {
		hook()
	}
}

// Report attaches a progress value visible in the job descriptor. Safe to
// call from inside the job body at any point.
func (j *Job) Report(key string, value any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.extras[key] = value
}

// SetInterrupt installs a hook fired when the job is canceled while running.
// Handler runtimes use it to break out of user code.
func (j *Job) SetInterrupt(fn func()) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.interrupt = fn
}

func (j *Job) setCancel(cancel context.CancelFunc) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cancelRun = cancel
}

func (j *Job) setExpiry(at time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cacheExpiry = at
}

func (j *Job) expired(now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return !j.cacheExpiry.IsZero() && now.After(j.cacheExpiry)
}

// Done is closed when the job reaches a terminal state
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Result returns the terminal outcome. Valid only after Done is closed.
func (j *Job) Result() (any, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result, j.err
}

// Descriptor is the API view of a job
type Descriptor struct {
	UID    string         `json:"uid"`
	Status string         `json:"status"`
	Data   map[string]any `json:"data"`
	Result any            `json:"result,omitempty"`
	Error  *derrors.Error `json:"error,omitempty"`
}

// Descriptor snapshots the job for API responses
func (j *Job) Descriptor() *Descriptor {
	j.mu.Lock()
	defer j.mu.Unlock()

	data := make(map[string]any, len(j.extras))
	for k, v := range j.extras {
		data[k] = v
	}
	d := &Descriptor{
		UID:    j.UID,
		Status: j.state.Status(),
		Data:   data,
	}
	if j.state == StateDone {
		d.Result = j.result
	}
	if j.err != nil {
		d.Error = derrors.Serialize(j.err)
	}
	return d
}
