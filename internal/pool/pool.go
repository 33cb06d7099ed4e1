package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/domscout/internal/browser"
	"github.com/xkilldash9x/domscout/internal/config"
	"github.com/xkilldash9x/domscout/internal/observability"
	"github.com/xkilldash9x/domscout/internal/sinks"
)

// Statistics is a snapshot of the pool's counters.
type Statistics struct {
	QueuedJobCount    int64         `json:"queued_job_count"`
	CompletedJobCount int64         `json:"completed_job_count"`
	TimeOutCount      int64         `json:"time_out_count"`
	FailedCount       int64         `json:"failed_count"`
	SpawnFailureCount int64         `json:"spawn_failure_count"`
	TotalJobTime      time.Duration `json:"total_job_time"`
	SecondsPerJob     float64       `json:"seconds_per_job"`
	QueueDepth        int           `json:"queue_depth"`
	PendingJobs       int           `json:"pending_jobs"`
	Workers           int           `json:"workers"`
}

// Option configures a Pool.
type Option func(*Pool)

func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// WithSinks enables sink tracing of explored pages through reg.
func WithSinks(reg *sinks.Registry) Option {
	return func(p *Pool) { p.sinks = reg }
}

// WithPreference overrides the category preference derived from the
// configured category order.
func WithPreference(fn PreferFunc) Option {
	return func(p *Pool) { p.prefer = fn }
}

// Pool dispatches queued jobs to its workers and delivers their results to
// the callbacks the jobs were queued with.
type Pool struct {
	cfg    config.PoolConfig
	logger *zap.Logger
	spawn  browser.Spawner
	sinks  *sinks.Registry
	prefer PreferFunc

	queue *CategorizedQueue
	// slots bounds how many externally queued jobs can be pending.
	slots *semaphore.Weighted

	popCtx    context.Context
	popCancel context.CancelFunc
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	mu        sync.Mutex
	callbacks map[uint64]Callback
	// pending counts queued jobs per live id; finished ids move to finished.
	pending      map[uint64]int
	finished     *finishedIDs
	pendingTotal int
	// idle is closed while pendingTotal is zero.
	idle       chan struct{}
	skipStates map[uint64]struct{}
	workers    []*Worker
	shutdown   bool
	stats      Statistics

	obsMu     sync.RWMutex
	onQueue   []func(*Job)
	onPop     []func(*Job)
	onJobDone []func(*Job)
	onResult  []func(*Result)
}

// New starts cfg.Size workers in parallel. A worker whose browser fails to
// start is kept and retries on its first job.
func New(ctx context.Context, cfg config.PoolConfig, spawn browser.Spawner, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if spawn == nil {
		return nil, errors.New("pool: a browser spawner is required")
	}

	idle := make(chan struct{})
	close(idle)
	p := &Pool{
		cfg:        cfg,
		logger:     observability.GetLogger(),
		spawn:      spawn,
		slots:      semaphore.NewWeighted(int64(cfg.QueueSize)),
		callbacks:  make(map[uint64]Callback),
		pending:    make(map[uint64]int),
		finished:   newFinishedIDs(finishedHistory),
		idle:       idle,
		skipStates: make(map[uint64]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("component", "browser_pool"))
	if p.prefer == nil {
		p.prefer = OrderedPreference(cfg.CategoryOrder...)
	}
	p.queue = NewCategorizedQueue(p.prefer)
	p.popCtx, p.popCancel = context.WithCancel(context.Background())
	p.runCtx, p.runCancel = context.WithCancel(context.Background())

	p.logger.Info("Initializing browsers.", zap.Int("size", cfg.Size))
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Size; i++ {
		g.Go(func() error {
			w := newWorker(p, uuid.NewString()[:8])
			if err := w.Reboot(gctx); err != nil {
				p.recordSpawnFailure()
				w.logger.Warn("Could not spawn browser, will retry on first job.", zap.Error(err))
			}
			p.mu.Lock()
			p.workers = append(p.workers, w)
			p.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.consume(p.popCtx, p.runCtx)
		}(w)
	}
	p.logger.Info("Initialization completed.", zap.Int("workers", len(p.workers)))
	return p, nil
}

// Workers returns the worker roster.
func (p *Pool) Workers() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Worker(nil), p.workers...)
}

// Queue admits job and registers cb under its id. It blocks while all
// admission slots are taken.
func (p *Pool) Queue(ctx context.Context, job *Job, cb Callback) error {
	return p.enqueue(ctx, job, cb, true)
}

// Explore loads resource and explores its events.
func (p *Pool) Explore(ctx context.Context, resource string, cb Callback) error {
	return p.Queue(ctx, NewJob(&DOMExploration{Resource: resource}, Options{}), cb)
}

// TraceTaint explores resource with taint armed.
func (p *Pool) TraceTaint(ctx context.Context, resource, taint, injector string, cb Callback) error {
	return p.Queue(ctx, NewJob(&TaintTrace{Resource: resource, Taint: taint, Injector: injector}, Options{}), cb)
}

// WithBrowser runs fn on the next free worker's engine.
func (p *Pool) WithBrowser(ctx context.Context, fn func(ctx context.Context, e browser.Engine) error) error {
	return p.Queue(ctx, NewJob(&BrowserProvider{Fn: fn}, Options{}), nil)
}

func (p *Pool) enqueue(ctx context.Context, job *Job, cb Callback, slotted bool) error {
	p.mu.Lock()
	if err := p.admissibleLocked(job); err != nil {
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	if slotted {
		if ctx == nil {
			ctx = context.Background()
		}
		actx, cancel := context.WithCancel(ctx)
		stop := context.AfterFunc(p.popCtx, cancel)
		err := p.slots.Acquire(actx, 1)
		stop()
		cancel()
		if err != nil {
			if p.isShutdown() {
				return ErrAlreadyShutdown
			}
			return err
		}
		job.slotted = true
	}

	p.mu.Lock()
	if err := p.admissibleLocked(job); err != nil {
		p.mu.Unlock()
		if job.slotted {
			p.slots.Release(1)
		}
		return err
	}
	if p.pendingTotal == 0 {
		p.idle = make(chan struct{})
	}
	p.pendingTotal++
	p.pending[job.id]++
	if cb != nil {
		p.callbacks[job.id] = cb
	}
	p.stats.QueuedJobCount++
	p.queue.Push(job)
	p.mu.Unlock()

	p.logger.Debug("Queued.", zap.Object("job", job))
	p.obsMu.RLock()
	for _, fn := range p.onQueue {
		fn(job)
	}
	p.obsMu.RUnlock()
	return nil
}

func (p *Pool) admissibleLocked(job *Job) error {
	if p.shutdown {
		return ErrAlreadyShutdown
	}
	if _, live := p.pending[job.id]; !live && !job.neverEnding && p.finished.has(job.id) {
		return ErrJobDone
	}
	return nil
}

func (p *Pool) pop(ctx context.Context) (*Job, error) {
	job, err := p.queue.Pop(ctx)
	if err != nil {
		return nil, err
	}
	p.obsMu.RLock()
	for _, fn := range p.onPop {
		fn(job)
	}
	p.obsMu.RUnlock()
	return job, nil
}

// jobDone frees the job's admission slot and pending count. It never
// retries anything.
func (p *Pool) jobDone(job *Job) {
	defer func() {
		if job.slotted {
			p.slots.Release(1)
		}
	}()

	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.pendingTotal--
	p.pending[job.id]--
	p.stats.CompletedJobCount++
	p.stats.TotalJobTime += job.Elapsed()
	if p.pending[job.id] <= 0 {
		delete(p.pending, job.id)
		p.finished.add(job.id)
		if !job.neverEnding {
			delete(p.callbacks, job.id)
		}
	}
	if p.pendingTotal == 0 {
		close(p.idle)
	}
	p.mu.Unlock()

	p.logger.Debug("Done.", zap.Object("job", job))
	p.obsMu.RLock()
	for _, fn := range p.onJobDone {
		fn(job)
	}
	p.obsMu.RUnlock()
}

// HandleJobResult passes res to the callback registered under its job's
// id. Results for finished jobs, or after shutdown, are dropped. A
// panicking callback is logged and contained.
func (p *Pool) HandleJobResult(res *Result) {
	p.mu.Lock()
	if p.shutdown || (p.pending[res.Job.id] == 0 && !res.Job.neverEnding) {
		p.mu.Unlock()
		return
	}
	cb := p.callbacks[res.Job.id]
	p.mu.Unlock()

	p.obsMu.RLock()
	for _, fn := range p.onResult {
		fn(res)
	}
	p.obsMu.RUnlock()

	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Job callback panicked.", zap.Object("job", res.Job), zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	cb(res)
}

// CallbackFor returns the callback registered under job's id.
func (p *Pool) CallbackFor(job *Job) Callback {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callbacks[job.id]
}

// JobDone reports whether every job queued under job's id has finished.
func (p *Pool) JobDone(job *Job) (bool, error) {
	if job.neverEnding {
		return false, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, live := p.pending[job.id]; live {
		return false, nil
	}
	if !p.finished.has(job.id) {
		return false, ErrJobNotFound
	}
	return true, nil
}

// Done reports whether nothing is pending.
func (p *Pool) Done() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		return false, ErrAlreadyShutdown
	}
	return p.pendingTotal == 0, nil
}

func (p *Pool) PendingJobCounter() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingTotal
}

// Wait blocks until the queue is drained and every worker is idle.
func (p *Pool) Wait(ctx context.Context) error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return ErrAlreadyShutdown
	}
	idle := p.idle
	p.mu.Unlock()

	p.logger.Debug("Waiting to finish.")
	select {
	case <-idle:
	case <-ctx.Done():
		return ctx.Err()
	}
	if p.isShutdown() {
		return ErrAlreadyShutdown
	}
	return nil
}

func (p *Pool) Statistics() Statistics {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	if s.CompletedJobCount > 0 {
		s.SecondsPerJob = s.TotalJobTime.Seconds() / float64(s.CompletedJobCount)
	}
	s.QueueDepth = p.queue.Len()
	s.PendingJobs = p.pendingTotal
	s.Workers = len(p.workers)
	return s
}

func (p *Pool) recordFailure(timedOut bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.FailedCount++
	if timedOut {
		p.stats.TimeOutCount++
	}
}

func (p *Pool) recordSpawnFailure() {
	p.mu.Lock()
	p.stats.SpawnFailureCount++
	p.mu.Unlock()
}

// skipState records a DOM state for the whole scan and reports whether it
// had been seen before.
func (p *Pool) skipState(state uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.skipStates[state]; ok {
		return true
	}
	p.skipStates[state] = struct{}{}
	return false
}

func (p *Pool) isShutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutdown
}

func (p *Pool) OnQueue(fn func(*Job)) {
	p.obsMu.Lock()
	p.onQueue = append(p.onQueue, fn)
	p.obsMu.Unlock()
}

func (p *Pool) OnPop(fn func(*Job)) {
	p.obsMu.Lock()
	p.onPop = append(p.onPop, fn)
	p.obsMu.Unlock()
}

func (p *Pool) OnJobDone(fn func(*Job)) {
	p.obsMu.Lock()
	p.onJobDone = append(p.onJobDone, fn)
	p.obsMu.Unlock()
}

func (p *Pool) OnResult(fn func(*Result)) {
	p.obsMu.Lock()
	p.onResult = append(p.onResult, fn)
	p.obsMu.Unlock()
}

// Shutdown stops the pool. Queued jobs are dropped. With wait set running
// jobs are allowed to finish before their browsers are killed; otherwise
// they are cancelled.
func (p *Pool) Shutdown(wait bool) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.logger.Debug("Shutting down.", zap.Bool("wait", wait))
	p.shutdown = true
	cleared := p.queue.Clear()
	if p.pendingTotal > 0 {
		close(p.idle)
	}
	p.pendingTotal = 0
	p.callbacks = make(map[uint64]Callback)
	p.pending = make(map[uint64]int)
	workers := p.workers
	p.mu.Unlock()

	for _, j := range cleared {
		if j.slotted {
			p.slots.Release(1)
		}
	}
	p.popCancel()
	if !wait {
		p.runCancel()
	}

	var g errgroup.Group
	for _, w := range workers {
		g.Go(func() error {
			w.Shutdown(wait)
			return nil
		})
	}
	_ = g.Wait()
	p.runCancel()
	p.wg.Wait()
	p.logger.Debug("Shutdown complete.")
}
