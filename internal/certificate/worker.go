package certificate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/edvin/proxyhost/internal/model"
	"github.com/edvin/proxyhost/internal/platform"
)

// ErrWorkerClosed is returned by Submit after Shutdown.
var ErrWorkerClosed = errors.New("certificate worker is shut down")

// JobState is the lifecycle state of a worker job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// JobStatus is a point-in-time copy of a job.
type JobStatus struct {
	ID         string           `json:"id"`
	Kind       string           `json:"kind"`
	HostID     string           `json:"host_id"`
	State      JobState         `json:"state"`
	Error      *model.ErrorInfo `json:"error,omitempty"`
	Result     any              `json:"result,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`

	// Err is the raw failure, kept for in-process callers.
	Err error `json:"-"`
}

// Finished reports whether the job reached a terminal state.
func (s JobStatus) Finished() bool {
	return s.State == JobSucceeded || s.State == JobFailed
}

// JobFunc is the work a job performs.
type JobFunc func(ctx context.Context) (any, error)

// Job is a unit of work on the Worker.
type Job struct {
	mu     sync.Mutex
	status JobStatus
	done   chan struct{}
}

// ID returns the job ID.
func (j *Job) ID() string { return j.status.ID }

// Done is closed when the job finishes.
func (j *Job) Done() <-chan struct{} { return j.done }

// Status returns a copy of the job's current status.
func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *Job) update(fn func(*JobStatus)) {
	j.mu.Lock()
	fn(&j.status)
	j.mu.Unlock()
}

// WorkerConfig bounds the worker.
type WorkerConfig struct {
	Concurrency int
	// Timeout is the hard limit for one job.
	Timeout time.Duration
	// Retention is how long finished jobs stay queryable.
	Retention time.Duration
}

// Worker runs certificate jobs in the background with bounded concurrency and
// a hard per-job timeout, so request handlers never block on the CA.
type Worker struct {
	logger    zerolog.Logger
	sem       *semaphore.Weighted
	timeout   time.Duration
	retention time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	jobs   map[string]*Job
	closed bool
	now    func() time.Time
}

// NewWorker creates a Worker.
func NewWorker(logger zerolog.Logger, cfg WorkerConfig) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		logger:    logger.With().Str("component", "certificate-worker").Logger(),
		sem:       semaphore.NewWeighted(int64(cfg.Concurrency)),
		timeout:   cfg.Timeout,
		retention: cfg.Retention,
		ctx:       ctx,
		cancel:    cancel,
		jobs:      make(map[string]*Job),
		now:       time.Now,
	}
}

// Submit queues fn and returns immediately.
func (w *Worker) Submit(kind, hostID string, fn JobFunc) (*Job, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrWorkerClosed
	}
	w.pruneLocked()

	job := &Job{
		status: JobStatus{
			ID:        platform.NewJobID(),
			Kind:      kind,
			HostID:    hostID,
			State:     JobQueued,
			CreatedAt: w.now().UTC(),
		},
		done: make(chan struct{}),
	}
	w.jobs[job.status.ID] = job

	w.wg.Add(1)
	go w.run(job, fn)
	return job, nil
}

func (w *Worker) run(job *Job, fn JobFunc) {
	defer w.wg.Done()
	defer close(job.done)

	logger := w.logger.With().Str("job_id", job.status.ID).Str("kind", job.status.Kind).Str("host_id", job.status.HostID).Logger()

	if err := w.sem.Acquire(w.ctx, 1); err != nil {
		w.finish(job, nil, fmt.Errorf("job not started: %w", err))
		logger.Warn().Msg("job dropped at shutdown")
		return
	}
	defer w.sem.Release(1)

	started := w.now().UTC()
	job.update(func(s *JobStatus) {
		s.State = JobRunning
		s.StartedAt = &started
	})
	jobsInFlight.Inc()
	defer jobsInFlight.Dec()

	ctx, cancel := context.WithTimeout(w.ctx, w.timeout)
	defer cancel()

	result, err := w.call(ctx, fn)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("job exceeded %s: %w", w.timeout, err)
	}
	w.finish(job, result, err)

	if err != nil {
		logger.Error().Err(err).Msg("job failed")
		return
	}
	logger.Info().Dur("duration", w.now().Sub(started)).Msg("job succeeded")
}

// call converts a panic in fn into a job failure.
func (w *Worker) call(ctx context.Context, fn JobFunc) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(ctx)
}

func (w *Worker) finish(job *Job, result any, err error) {
	finished := w.now().UTC()
	job.update(func(s *JobStatus) {
		s.FinishedAt = &finished
		if err != nil {
			s.State = JobFailed
			s.Err = err
			s.Error = model.NewErrorInfo(err)
			return
		}
		s.State = JobSucceeded
		s.Result = result
	})
}

// Get returns the status of a job.
func (w *Worker) Get(id string) (JobStatus, error) {
	w.mu.Lock()
	job, ok := w.jobs[id]
	w.mu.Unlock()
	if !ok {
		return JobStatus{}, &model.NotFoundError{Resource: "job", ID: id}
	}
	return job.Status(), nil
}

// Wait blocks until the job finishes or ctx is done, and returns the job's status at that point.
func (w *Worker) Wait(ctx context.Context, job *Job) JobStatus {
	select {
	case <-job.Done():
	case <-ctx.Done():
	}
	return job.Status()
}

func (w *Worker) pruneLocked() {
	cutoff := w.now().Add(-w.retention)
	for id, job := range w.jobs {
		st := job.Status()
		if st.FinishedAt != nil && st.FinishedAt.Before(cutoff) {
			delete(w.jobs, id)
		}
	}
}

// Shutdown stops accepting jobs, cancels running ones and waits for them to return.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
