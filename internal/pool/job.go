// Package pool schedules browser-driven jobs onto a fixed set of workers,
// each owning one browser process, and routes results back to whoever
// queued the job.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/domscout/internal/browser"
)

// Default queue categories. Sink tracing runs in its own category so that
// exploration and tracing can be balanced by the preference function.
const (
	CategoryDefault = "default"
	CategoryCrawl   = "crawl"
)

var (
	ErrJobDone         = errors.New("pool: job has been marked as done")
	ErrJobNotFound     = errors.New("pool: job could not be found")
	ErrKindMismatch    = errors.New("pool: forward requires a payload of the same kind")
	ErrAlreadyShutdown = errors.New("pool: already shut down")
	// ErrJobTimeout wraps attempts abandoned at the per-job deadline.
	ErrJobTimeout = errors.New("pool: job timed out")
)

// jobIDs is the process-wide id arena. Forward keeps a key, ForwardAs
// draws a new one.
var jobIDs atomic.Uint64

func nextJobID() uint64 { return jobIDs.Add(1) }

// Kind names a payload variant.
type Kind string

// Payload is the work a Job carries. Run is called with the job bound to a
// worker; anything it wants delivered to the caller goes through x.Emit.
type Payload interface {
	Kind() Kind
	Run(ctx context.Context, x *Execution) error
	// Clone returns a copy that shares no mutable state with the receiver.
	Clone() Payload
}

// releaser is implemented by payloads that hold resources for the duration
// of a run.
type releaser interface {
	Release()
}

// eventForwarder is implemented by exploration payloads: it builds the
// payload that triggers one event found on resource.
type eventForwarder interface {
	EventTrigger(resource string, target browser.EventTarget) Payload
}

// Options configure a new or forwarded Job.
type Options struct {
	Category    string
	SkipStates  []uint64
	NeverEnding bool
}

// Job is a unit of browser work. Its id ties it to the callback it was
// queued with.
type Job struct {
	id          uint64
	category    string
	payload     Payload
	neverEnding bool

	// forwarder is the job this one was derived from. It does not keep the
	// parent alive.
	forwarder weak.Pointer[Job]

	// slotted is set when the job holds a queue admission slot.
	slotted bool

	mu         sync.Mutex
	skipStates map[uint64]struct{}
	elapsed    time.Duration
	timedOut   bool
	failed     bool
	worker     *Worker
	binding    uint64
	bindings   uint64
}

// NewJob allocates a fresh id for payload.
func NewJob(payload Payload, opts Options) *Job {
	return newJob(nextJobID(), payload, opts)
}

func newJob(id uint64, payload Payload, opts Options) *Job {
	j := &Job{
		id:          id,
		category:    opts.Category,
		payload:     payload,
		neverEnding: opts.NeverEnding,
		skipStates:  make(map[uint64]struct{}, len(opts.SkipStates)),
	}
	if j.category == "" {
		j.category = defaultCategory(payload)
	}
	for _, s := range opts.SkipStates {
		j.skipStates[s] = struct{}{}
	}
	return j
}

func defaultCategory(p Payload) string {
	if c, ok := p.(interface{ Category() string }); ok {
		return c.Category()
	}
	return CategoryDefault
}

func (j *Job) ID() uint64            { return j.id }
func (j *Job) Category() string      { return j.category }
func (j *Job) Payload() Payload      { return j.payload }
func (j *Job) Kind() Kind            { return j.payload.Kind() }
func (j *Job) NeverEnding() bool     { return j.neverEnding }
func (j *Job) Forwarder() *Job       { return j.forwarder.Value() }
func (j *Job) String() string        { return fmt.Sprintf("%s#%d", j.Kind(), j.id) }
func (j *Job) SetNeverEnding(b bool) { j.neverEnding = b }

// Elapsed is how long the last attempt ran.
func (j *Job) Elapsed() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.elapsed
}

// TimedOut reports whether the job exhausted its retries on timeouts.
func (j *Job) TimedOut() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.timedOut
}

// Failed reports whether the job exhausted its retries.
func (j *Job) Failed() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.failed
}

// MarkTimedOut records a timeout outcome.
func (j *Job) MarkTimedOut(elapsed time.Duration) {
	j.mu.Lock()
	j.timedOut = true
	j.elapsed = elapsed
	j.mu.Unlock()
}

func (j *Job) markFailed() {
	j.mu.Lock()
	j.failed = true
	j.mu.Unlock()
}

func (j *Job) setElapsed(d time.Duration) {
	j.mu.Lock()
	j.elapsed = d
	j.mu.Unlock()
}

// SkipStates returns the DOM state hashes this job chain has already visited.
func (j *Job) SkipStates() []uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]uint64, 0, len(j.skipStates))
	for s := range j.skipStates {
		out = append(out, s)
	}
	return out
}

// skip records state and reports whether it had been seen before.
func (j *Job) skip(state uint64) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.skipStates[state]; ok {
		return true
	}
	j.skipStates[state] = struct{}{}
	return false
}

// Worker returns the worker the job is currently bound to, if any.
func (j *Job) Worker() *Worker {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.worker
}

// ConfigureAndRun binds w, runs the payload and always releases the
// binding and any payload resources afterwards.
func (j *Job) ConfigureAndRun(ctx context.Context, w *Worker) error {
	x := j.bind(w)
	defer j.release(x)
	return j.payload.Run(ctx, x)
}

func (j *Job) bind(w *Worker) *Execution {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.bindings++
	j.binding = j.bindings
	j.worker = w
	return &Execution{job: j, worker: w, token: j.binding}
}

// release only clears the binding it created, so a late return from an
// abandoned attempt cannot unbind a retry.
func (j *Job) release(x *Execution) {
	j.mu.Lock()
	if j.binding == x.token {
		j.worker = nil
		j.binding = 0
	}
	j.mu.Unlock()
	if r, ok := j.payload.(releaser); ok {
		r.Release()
	}
}

func (j *Job) boundTo(x *Execution) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.binding != 0 && j.binding == x.token
}

// Forward derives a job that keeps this job's id, and therefore its
// callback, with new arguments. A nil payload reuses a copy of the current
// one. Skip states are merged.
func (j *Job) Forward(payload Payload, opts Options) (*Job, error) {
	if payload == nil {
		payload = j.payload.Clone()
	}
	if payload.Kind() != j.payload.Kind() {
		return nil, fmt.Errorf("%w: %s -> %s", ErrKindMismatch, j.Kind(), payload.Kind())
	}
	if opts.Category == "" {
		opts.Category = j.category
	}
	opts.NeverEnding = opts.NeverEnding || j.neverEnding
	opts.SkipStates = append(j.SkipStates(), opts.SkipStates...)

	f := newJob(j.id, payload, opts)
	f.forwarder = weak.Make(j)
	return f, nil
}

// ForwardAs derives a job of another kind. It gets its own id and starts
// with only the skip states given in opts, so the pool tracks it as a new
// chain.
func (j *Job) ForwardAs(payload Payload, opts Options) *Job {
	if opts.Category == "" {
		opts.Category = defaultCategory(payload)
	}
	opts.NeverEnding = opts.NeverEnding || j.neverEnding

	f := NewJob(payload, opts)
	f.forwarder = weak.Make(j)
	return f
}

// CleanCopy returns a copy safe to hand to callbacks, log or persist: no
// worker binding, no skip states.
func (j *Job) CleanCopy() *Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	return &Job{
		id:          j.id,
		category:    j.category,
		payload:     j.payload.Clone(),
		neverEnding: j.neverEnding,
		forwarder:   j.forwarder,
		skipStates:  map[uint64]struct{}{},
		elapsed:     j.elapsed,
		timedOut:    j.timedOut,
		failed:      j.failed,
	}
}

func (j *Job) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint64("id", j.id)
	enc.AddString("kind", string(j.Kind()))
	enc.AddString("category", j.category)
	if m, ok := j.payload.(zapcore.ObjectMarshaler); ok {
		if err := enc.AddObject("payload", m); err != nil {
			return err
		}
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.elapsed > 0 {
		enc.AddDuration("elapsed", j.elapsed)
	}
	if j.timedOut {
		enc.AddBool("timed_out", true)
	}
	return nil
}
