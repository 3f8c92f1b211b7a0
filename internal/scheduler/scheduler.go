// Package scheduler runs jobs on a fixed worker pool behind a bounded FIFO
// queue. Terminal jobs stay queryable for a hold period and are then swept.
package scheduler

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/antonpaquin/citrine/internal/derrors"
)

// Session is the transactional scope a worker holds for one job. The catalog
// provides the real implementation; the scheduler only decides commit or
// rollback.
type Session interface {
	Attach(ctx context.Context) context.Context
	Commit() error
	Rollback() error
}

// SessionFactory opens a session per dispatched job
type SessionFactory interface {
	Begin(ctx context.Context) (Session, error)
}

// Options sizes the pool. Zero values fall back to the defaults.
type Options struct {
	Workers   int
	QueueSize int
	CacheHold time.Duration
}

const (
	defaultWorkers   = 16
	defaultQueueSize = 1000
	defaultCacheHold = time.Minute
)

// Scheduler owns the job cache, the queue, and the workers
type Scheduler struct {
	logger   arbor.ILogger
	sessions SessionFactory
	opts     Options

	queue chan *Job

	mu   sync.Mutex
	jobs map[string]*Job

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a scheduler; call Start to launch the workers
func New(logger arbor.ILogger, sessions SessionFactory, opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.CacheHold <= 0 {
		opts.CacheHold = defaultCacheHold
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger:   logger,
		sessions: sessions,
		opts:     opts,
		queue:    make(chan *Job, opts.QueueSize),
		jobs:     make(map[string]*Job),
		baseCtx:  ctx,
		stop:     cancel,
	}
}

// Start launches the worker pool
func (s *Scheduler) Start() {
	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.logger.Info().
		Int("workers", s.opts.Workers).
		Int("queue_size", s.opts.QueueSize).
		Msg("Scheduler started")
}

// Stop tells the workers to exit and waits for in-flight jobs. Queued jobs
// that never dispatched are abandoned; their callers see the await fail.
func (s *Scheduler) Stop() {
	s.stop()
	s.wg.Wait()
	s.logger.Info().Msg("Scheduler stopped")
}

// Submit enqueues a job without blocking. A full queue fails with Overloaded.
func (s *Scheduler) Submit(method string, body Body) (*Job, error) {
	job := newJob(method, body)

	s.mu.Lock()
	s.jobs[job.UID] = job
	s.mu.Unlock()

	select {
	case s.queue <- job:
		job.transition(StateQueued)
		s.logger.Debug().Str("uid", job.UID).Str("method", method).Msg("Job queued")
		return job, nil
	default:
		s.mu.Lock()
		delete(s.jobs, job.UID)
		s.mu.Unlock()
		return nil, derrors.New(derrors.Overloaded, "job queue is at capacity")
	}
}

// Await blocks until the job is terminal and returns its outcome. The caller
// abandoning the await does not cancel the job.
func (s *Scheduler) Await(ctx context.Context, job *Job) (any, error) {
	select {
	case <-job.Done():
		return job.Result()
	case <-ctx.Done():
		return nil, derrors.Wrap(derrors.Internal, "wait for job aborted", ctx.Err())
	}
}

// Get returns the cached job for a uid
func (s *Scheduler) Get(uid string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[uid]
	if !ok {
		return nil, derrors.Newf(derrors.NoSuchJob, "no job with uid %s", uid)
	}
	return job, nil
}

// Cancel requests cancellation. Idempotent: canceling a terminal job is a
// no-op success; an unknown uid fails with NoSuchJob.
func (s *Scheduler) Cancel(uid string) error {
	job, err := s.Get(uid)
	if err != nil {
		return err
	}
	job.requestCancel()
	s.logger.Debug().Str("uid", uid).Msg("Job cancellation requested")
	return nil
}

// Sweep evicts terminal jobs whose hold period has lapsed. The maintenance
// cron calls this once per hold period.
func (s *Scheduler) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for uid, job := range s.jobs {
		if job.expired(now) {
			delete(s.jobs, uid)
			evicted++
		}
	}
	if evicted > 0 {
		s.logger.Debug().Int("count", evicted).Msg("Evicted expired jobs")
	}
	return evicted
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.baseCtx.Done():
			return
		case job := <-s.queue:
			s.runJob(job)
		}
	}
}

func (s *Scheduler) runJob(job *Job) {
	defer job.setExpiry(time.Now().Add(s.opts.CacheHold))

	// Canceled while still queued
	if !job.transition(StateRunning) {
		return
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()
	job.setCancel(cancel)
	defer job.setCancel(nil)

	ctx = withJob(ctx, job)

	sess, err := s.sessions.Begin(ctx)
	if err != nil {
		job.finish(StateError, nil, err)
		s.logger.Warn().Err(err).Str("uid", job.UID).Msg("Failed to open job session")
		return
	}
	ctx = sess.Attach(ctx)

	result, err := s.invoke(ctx, job)

	// Claim the outcome before committing: once the claim lands, a late
	// cancel is a no-op, so the job can never read Interrupted with its
	// session committed.
	committed := false
	if err == nil && job.beginCommit() {
		if cerr := sess.Commit(); cerr != nil {
			err = cerr
		} else {
			committed = true
		}
	}
	if !committed {
		if rerr := sess.Rollback(); rerr != nil {
			s.logger.Warn().Err(rerr).Str("uid", job.UID).Msg("Failed to roll back job session")
		}
	}

	switch {
	case committed:
		job.finish(StateDone, result, nil)
	case err == nil:
		// Canceled between the body returning and the commit claim
		job.finish(StateInterrupted, nil, derrors.New(derrors.JobInterrupted, "job interrupted"))
	case derrors.IsKind(err, derrors.JobInterrupted):
		job.finish(StateInterrupted, nil, err)
	default:
		if job.finish(StateError, nil, err) {
			s.logger.Warn().Err(err).
				Str("uid", job.UID).
				Str("method", job.Info.Method).
				Msg("Job failed")
		}
	}
}

// invoke runs the job body with panic containment. A body that returns nil
// after its context was canceled counts as interrupted.
func (s *Scheduler) invoke(ctx context.Context, job *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = derrors.Newf(derrors.Internal, "job panicked: %v", r)
			s.logger.Warn().
				Str("uid", job.UID).
				Str("stack", string(debug.Stack())).
				Msg("Job panicked")
		}
	}()
	result, err = job.body(ctx)
	if err == nil && ctx.Err() != nil {
		err = derrors.New(derrors.JobInterrupted, "job interrupted")
	}
	return result, err
}

type jobCtxKey struct{}

func withJob(ctx context.Context, job *Job) context.Context {
	return context.WithValue(ctx, jobCtxKey{}, job)
}

// FromContext returns the job bound to a worker's context
func FromContext(ctx context.Context) (*Job, bool) {
	job, ok := ctx.Value(jobCtxKey{}).(*Job)
	return job, ok
}

// Report attaches a progress value to the current job, if any. Callers
// outside a job context are silently ignored so library code can report
// unconditionally.
func Report(ctx context.Context, key string, value any) {
	if job, ok := FromContext(ctx); ok {
		job.Report(key, value)
	}
}
