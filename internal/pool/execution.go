package pool

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/domscout/internal/browser"
)

// Result is what a job hands back to its callback.
type Result struct {
	// Job is a clean copy of the job that produced the result.
	Job  *Job
	Page *browser.Page
	// SinkTraceHash is set by sink tracing jobs to the sink hash of the
	// element that was traced on Page.
	SinkTraceHash uint64
}

// Callback receives results for the job id it was registered under.
// Callbacks run on worker goroutines and may run concurrently.
type Callback func(*Result)

// Execution is a job's view of the worker running it.
type Execution struct {
	job    *Job
	worker *Worker
	token  uint64
}

func (x *Execution) Job() *Job              { return x.job }
func (x *Execution) Worker() *Worker        { return x.worker }
func (x *Execution) Pool() *Pool            { return x.worker.pool }
func (x *Execution) Engine() browser.Engine { return x.worker.Engine() }

func (x *Execution) Logger() *zap.Logger {
	return x.worker.logger.With(zap.Object("job", x.job))
}

// Emit delivers page to the job's callback.
func (x *Execution) Emit(page *browser.Page) {
	x.EmitResult(&Result{Page: page})
}

// EmitResult delivers res to the job's callback. Results from an attempt
// that has already been abandoned are dropped.
func (x *Execution) EmitResult(res *Result) {
	if !x.job.boundTo(x) {
		return
	}
	res.Job = x.job.CleanCopy()
	x.worker.pool.HandleJobResult(res)
}

// Skip records a DOM state for this job chain and the whole scan and
// reports whether either had seen it.
func (x *Execution) Skip(state uint64) bool {
	local := x.job.skip(state)
	global := x.worker.pool.skipState(state)
	return local || global
}

// Queue submits a job from inside a running job. It does not wait for an
// admission slot, so fan-out cannot deadlock the pool.
func (x *Execution) Queue(j *Job, cb Callback) error {
	return x.worker.pool.enqueue(context.Background(), j, cb, false)
}

// Callback is the callback the running job was queued with.
func (x *Execution) Callback() Callback {
	return x.worker.pool.CallbackFor(x.job)
}
