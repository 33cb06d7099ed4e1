package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/domscout/internal/browser"
)

const resetTimeout = 10 * time.Second

// Worker owns one browser process and runs jobs on it one at a time. The
// process is recycled in place after TimeToLive jobs, or when it dies.
type Worker struct {
	id         string
	pool       *Pool
	spawn      browser.Spawner
	logger     *zap.Logger
	jobTimeout time.Duration
	retries    int
	maxTTL     int

	// running serializes RunJob.
	running  sync.Mutex
	shutdown atomic.Bool

	mu     sync.Mutex
	engine browser.Engine
	ttl    int
	stale  bool
	job    *Job
	// idle is closed whenever no job is bound.
	idle chan struct{}
}

func newWorker(p *Pool, id string) *Worker {
	idle := make(chan struct{})
	close(idle)
	return &Worker{
		id:         id,
		pool:       p,
		spawn:      p.spawn,
		logger:     p.logger.With(zap.String("worker_id", id)),
		jobTimeout: p.cfg.JobTimeout,
		retries:    p.cfg.JobRetries,
		maxTTL:     p.cfg.WorkerTimeToLive,
		ttl:        p.cfg.WorkerTimeToLive,
		idle:       idle,
	}
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) Engine() browser.Engine {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.engine
}

// Job returns the job currently bound to the worker.
func (w *Worker) Job() *Job {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.job
}

// TimeToLive is the number of jobs left before the process is recycled.
func (w *Worker) TimeToLive() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ttl
}

func (w *Worker) Pid() int {
	if e := w.Engine(); e != nil {
		return e.Pid()
	}
	return 0
}

// Reboot kills the current process, if any, and spawns a new one. Spawn
// failures are returned as is, typically a *browser.SpawnError.
func (w *Worker) Reboot(ctx context.Context) error {
	w.mu.Lock()
	old := w.engine
	w.engine = nil
	w.ttl = w.maxTTL
	w.stale = false
	w.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			w.logger.Debug("Error closing old browser.", zap.Error(err))
		}
	}

	e, err := w.spawn(ctx)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.engine = e
	w.mu.Unlock()
	w.logger.Debug("Browser spawned.", zap.Int("pid", e.Pid()))
	return nil
}

func (w *Worker) needsReboot() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.engine == nil || w.stale || w.ttl <= 0 || !w.engine.Alive()
}

func (w *Worker) markStale() {
	w.mu.Lock()
	w.stale = true
	w.mu.Unlock()
}

// rebootIfNecessary reports whether the worker has a usable process.
func (w *Worker) rebootIfNecessary(ctx context.Context) bool {
	if w.shutdown.Load() {
		return false
	}
	if !w.needsReboot() {
		return true
	}
	if err := w.Reboot(ctx); err != nil {
		w.pool.recordSpawnFailure()
		w.logger.Error("Could not reboot the browser, will try again at the next job.", zap.Error(err))
		return false
	}
	return true
}

func (w *Worker) bindJob(j *Job) {
	w.mu.Lock()
	w.job = j
	w.idle = make(chan struct{})
	w.mu.Unlock()
}

func (w *Worker) unbindJob() {
	w.mu.Lock()
	if w.job != nil {
		w.job = nil
		close(w.idle)
	}
	w.mu.Unlock()
}

// RunJob runs job to completion, retrying transport failures and timeouts
// up to the configured bound. Failures never escape: they are logged and
// counted, and the pool is always told the job is done.
func (w *Worker) RunJob(ctx context.Context, job *Job) {
	w.running.Lock()
	defer w.running.Unlock()

	logger := w.logger.With(zap.Object("job", job))
	w.bindJob(job)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic while processing job.", zap.Any("panic", r), zap.Stack("stack"))
		}
		w.unbindJob()
		w.reset()
		w.pool.jobDone(job)
	}()

	if !w.rebootIfNecessary(ctx) {
		logger.Warn("No browser available, abandoning job.")
		return
	}

	logger.Debug("Started.")
	w.execute(ctx, job, logger)

	w.mu.Lock()
	w.ttl--
	w.mu.Unlock()
	logger.Debug("Finished.", zap.Duration("elapsed", job.Elapsed()))
}

func (w *Worker) execute(ctx context.Context, job *Job, logger *zap.Logger) {
	for attempt := 1; ; attempt++ {
		start := time.Now()
		err := w.attempt(ctx, job)
		elapsed := time.Since(start)
		if err == nil {
			job.setElapsed(elapsed)
			return
		}
		if ctx.Err() != nil {
			logger.Debug("Pool stopped, dropping job.", zap.Error(err))
			return
		}

		timedOut := errors.Is(err, context.DeadlineExceeded)
		if !timedOut && !errors.Is(err, browser.ErrTransport) {
			logger.Error("Job failed.", zap.Error(err))
			job.setElapsed(elapsed)
			job.markFailed()
			w.pool.recordFailure(false)
			return
		}

		if attempt <= w.retries {
			logger.Debug(fmt.Sprintf("[RETRY %d/%d] Job failed.", attempt, w.retries),
				zap.Bool("timed_out", timedOut), zap.Error(err))
			if w.rebootIfNecessary(ctx) {
				continue
			}
		}

		if timedOut {
			job.MarkTimedOut(elapsed)
		} else {
			job.setElapsed(elapsed)
		}
		job.markFailed()
		w.pool.recordFailure(timedOut)
		logger.Warn("Job failed, giving up.", zap.Int("attempts", attempt), zap.Bool("timed_out", timedOut), zap.Error(err))
		return
	}
}

// attempt runs the job once under the per-job deadline. If the payload
// does not return in time it is abandoned and the process is marked for a
// reboot before it is used again.
func (w *Worker) attempt(ctx context.Context, job *Job) error {
	runCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errc <- fmt.Errorf("pool: job panicked: %v", r)
			}
		}()
		errc <- job.ConfigureAndRun(runCtx, w)
	}()

	select {
	case err := <-errc:
		return err
	case <-runCtx.Done():
		select {
		case err := <-errc:
			return err
		default:
		}
		w.markStale()
		return fmt.Errorf("%w after %s: %w", ErrJobTimeout, w.jobTimeout, runCtx.Err())
	}
}

// reset drops the per-job browser state.
func (w *Worker) reset() {
	e := w.Engine()
	if e == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), resetTimeout)
	defer cancel()
	if err := e.Reset(ctx); err != nil {
		w.logger.Debug("Could not reset browser.", zap.Error(err))
		w.markStale()
	}
}

// DistributeEvent queues a job triggering target on resource, derived from
// the running job and delivering to its callback. It returns false when the
// running job or the pool is already done.
func (w *Worker) DistributeEvent(resource string, target browser.EventTarget) bool {
	job := w.Job()
	if job == nil {
		return false
	}
	f, ok := job.payload.(eventForwarder)
	if !ok {
		return false
	}

	child := job.ForwardAs(f.EventTrigger(resource, target), Options{})
	err := w.pool.enqueue(context.Background(), child, w.pool.CallbackFor(job), false)
	if err != nil {
		if !errors.Is(err, ErrJobDone) && !errors.Is(err, ErrAlreadyShutdown) {
			w.logger.Warn("Could not distribute event.", zap.Stringer("event", target), zap.Error(err))
		}
		return false
	}
	return true
}

// Shutdown tears the process down. With wait set it first lets a running
// job finish, unless the process dies in the meantime.
func (w *Worker) Shutdown(wait bool) {
	if !w.shutdown.CompareAndSwap(false, true) {
		return
	}
	w.logger.Debug("Shutting down.", zap.Bool("wait", wait))

	w.mu.Lock()
	idle := w.idle
	e := w.engine
	w.mu.Unlock()

	if wait {
		var dead <-chan struct{}
		if e != nil {
			dead = e.Done()
		}
		select {
		case <-idle:
		case <-dead:
		}
	}

	if e := w.Engine(); e != nil {
		if err := e.Close(); err != nil {
			w.logger.Debug("Error closing browser.", zap.Error(err))
		}
	}
}

func (w *Worker) consume(popCtx, runCtx context.Context) {
	for !w.shutdown.Load() {
		job, err := w.pool.pop(popCtx)
		if err != nil {
			return
		}
		w.RunJob(runCtx, job)
	}
}
