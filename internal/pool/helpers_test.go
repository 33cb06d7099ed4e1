package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/domscout/internal/browser"
	"github.com/xkilldash9x/domscout/internal/config"
)

// -- Payloads --

// funcPayload runs an arbitrary function and counts its releases.
type funcPayload struct {
	kind     Kind
	run      func(ctx context.Context, x *Execution) error
	released *atomic.Int32
}

func newFuncPayload(run func(ctx context.Context, x *Execution) error) *funcPayload {
	return &funcPayload{kind: "test", run: run, released: new(atomic.Int32)}
}

func (p *funcPayload) Kind() Kind     { return p.kind }
func (p *funcPayload) Clone() Payload { c := *p; return &c }
func (p *funcPayload) Release()       { p.released.Add(1) }

func (p *funcPayload) Run(ctx context.Context, x *Execution) error {
	if p.run == nil {
		return nil
	}
	return p.run(ctx, x)
}

// -- Engines --

// fakeEngine serves canned pages keyed by URL.
type fakeEngine struct {
	pid   int
	pages map[string]*browser.Page

	mu      sync.Mutex
	current string
	taint   string
	closed  bool
	done    chan struct{}
}

func newFakeEngine(pid int, pages map[string]*browser.Page) *fakeEngine {
	return &fakeEngine{pid: pid, pages: pages, done: make(chan struct{})}
}

func (e *fakeEngine) page(url string) *browser.Page {
	p, ok := e.pages[url]
	if !ok {
		return &browser.Page{URL: url}
	}
	p = p.Dup()
	if e.taint != "" {
		p.TaintSinks = append(p.TaintSinks, "dom: "+e.taint)
	}
	return p
}

func (e *fakeEngine) Load(ctx context.Context, url string) (*browser.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, browser.ErrTransport
	}
	e.current = url
	return e.page(url), nil
}

func (e *fakeEngine) Snapshot(ctx context.Context) (*browser.Page, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.page(e.current), nil
}

func (e *fakeEngine) RunScript(ctx context.Context, js string) (any, error) { return nil, nil }

func (e *fakeEngine) TriggerableEvents(ctx context.Context) ([]browser.EventTarget, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.page(e.current).Events, nil
}

func (e *fakeEngine) TriggerEvent(ctx context.Context, t browser.EventTarget) (*browser.Page, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.page(e.current)
	p.Transition = &t
	return p, nil
}

func (e *fakeEngine) SetTaint(taint string) {
	e.mu.Lock()
	e.taint = taint
	e.mu.Unlock()
}

func (e *fakeEngine) Reset(ctx context.Context) error {
	e.mu.Lock()
	e.taint = ""
	e.current = ""
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) Pid() int { return e.pid }

func (e *fakeEngine) Alive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed
}

func (e *fakeEngine) Done() <-chan struct{} { return e.done }

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.done)
	}
	return nil
}

// fakeFleet spawns fakeEngines sharing one set of pages.
type fakeFleet struct {
	pages   map[string]*browser.Page
	spawned atomic.Int32
	fail    error
}

func (f *fakeFleet) spawn(ctx context.Context) (browser.Engine, error) {
	n := f.spawned.Add(1)
	if f.fail != nil {
		return nil, &browser.SpawnError{Path: "/fake/chrome", Err: f.fail}
	}
	return newFakeEngine(1000+int(n), f.pages), nil
}

// mockEngine is a testify mock of browser.Engine.
type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) Load(ctx context.Context, url string) (*browser.Page, error) {
	args := m.Called(ctx, url)
	p, _ := args.Get(0).(*browser.Page)
	return p, args.Error(1)
}

func (m *mockEngine) Snapshot(ctx context.Context) (*browser.Page, error) {
	args := m.Called(ctx)
	p, _ := args.Get(0).(*browser.Page)
	return p, args.Error(1)
}

func (m *mockEngine) RunScript(ctx context.Context, js string) (any, error) {
	args := m.Called(ctx, js)
	return args.Get(0), args.Error(1)
}

func (m *mockEngine) TriggerableEvents(ctx context.Context) ([]browser.EventTarget, error) {
	args := m.Called(ctx)
	t, _ := args.Get(0).([]browser.EventTarget)
	return t, args.Error(1)
}

func (m *mockEngine) TriggerEvent(ctx context.Context, t browser.EventTarget) (*browser.Page, error) {
	args := m.Called(ctx, t)
	p, _ := args.Get(0).(*browser.Page)
	return p, args.Error(1)
}

func (m *mockEngine) SetTaint(taint string) { m.Called(taint) }

func (m *mockEngine) Reset(ctx context.Context) error { return m.Called(ctx).Error(0) }

func (m *mockEngine) Pid() int { return m.Called().Int(0) }

func (m *mockEngine) Alive() bool { return m.Called().Bool(0) }

func (m *mockEngine) Done() <-chan struct{} {
	ch, _ := m.Called().Get(0).(<-chan struct{})
	return ch
}

func (m *mockEngine) Close() error { return m.Called().Error(0) }

// -- Pools --

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{
		Size:             2,
		JobTimeout:       2 * time.Second,
		WorkerTimeToLive: 100,
		JobRetries:       2,
		QueueSize:        10,
		CategoryOrder:    []string{CategoryDefault, CategoryCrawl},
	}
}

// newBarePool returns a pool with no workers, for driving a Worker by hand.
func newBarePool(cfg config.PoolConfig, spawn browser.Spawner) *Pool {
	idle := make(chan struct{})
	close(idle)
	p := &Pool{
		cfg:        cfg,
		logger:     zap.NewNop(),
		spawn:      spawn,
		prefer:     OrderedPreference(cfg.CategoryOrder...),
		slots:      semaphore.NewWeighted(int64(cfg.QueueSize)),
		callbacks:  make(map[uint64]Callback),
		pending:    make(map[uint64]int),
		idle:       idle,
		skipStates: make(map[uint64]struct{}),
	}
	p.queue = NewCategorizedQueue(p.prefer)
	p.popCtx, p.popCancel = context.WithCancel(context.Background())
	p.runCtx, p.runCancel = context.WithCancel(context.Background())
	return p
}

// track registers job with the pool's accounting without handing it to a
// worker, so RunJob can be called directly.
func track(t *testing.T, p *Pool, job *Job, cb Callback) {
	t.Helper()
	require.NoError(t, p.enqueue(context.Background(), job, cb, false))
	require.Same(t, job, p.queue.TryPop())
}

func newTestPool(t *testing.T, fleet *fakeFleet, opts ...Option) *Pool {
	t.Helper()
	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	p, err := New(context.Background(), testPoolConfig(), fleet.spawn, opts...)
	require.NoError(t, err)
	return p
}

// results collects callback deliveries.
type results struct {
	mu  sync.Mutex
	all []*Result
}

func (r *results) add(res *Result) {
	r.mu.Lock()
	r.all = append(r.all, res)
	r.mu.Unlock()
}

func (r *results) list() []*Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Result(nil), r.all...)
}

var errBoom = errors.New("boom")
