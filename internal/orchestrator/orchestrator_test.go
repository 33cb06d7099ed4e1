package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xkilldash9x/domscout/internal/browser"
	"github.com/xkilldash9x/domscout/internal/config"
	"github.com/xkilldash9x/domscout/internal/element"
	"github.com/xkilldash9x/domscout/internal/httpclient"
	"github.com/xkilldash9x/domscout/internal/pool"
	"github.com/xkilldash9x/domscout/internal/sinks"
	"github.com/xkilldash9x/domscout/internal/store"
)

// -- Fakes --

// siteEngine serves a static link graph.
type siteEngine struct {
	site    map[string]*browser.Page
	pid     int
	mu      sync.Mutex
	current string
	taint   string
	closed  bool
	done    chan struct{}
}

func (e *siteEngine) page(url string) *browser.Page {
	p, ok := e.site[url]
	if !ok {
		return &browser.Page{URL: url}
	}
	p = p.Dup()
	if e.taint != "" {
		p.TaintSinks = append(p.TaintSinks, "dom: "+e.taint)
	}
	return p
}

func (e *siteEngine) Load(ctx context.Context, url string) (*browser.Page, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = url
	return e.page(url), nil
}

func (e *siteEngine) Snapshot(ctx context.Context) (*browser.Page, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.page(e.current), nil
}

func (e *siteEngine) RunScript(context.Context, string) (any, error) { return nil, nil }

func (e *siteEngine) TriggerableEvents(context.Context) ([]browser.EventTarget, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.page(e.current).Events, nil
}

func (e *siteEngine) TriggerEvent(ctx context.Context, t browser.EventTarget) (*browser.Page, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.page(e.current)
	p.Transition = &t
	return p, nil
}

func (e *siteEngine) SetTaint(taint string) {
	e.mu.Lock()
	e.taint = taint
	e.mu.Unlock()
}

func (e *siteEngine) Reset(context.Context) error {
	e.SetTaint("")
	return nil
}

func (e *siteEngine) Pid() int              { return e.pid }
func (e *siteEngine) Done() <-chan struct{} { return e.done }

func (e *siteEngine) Alive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed
}

func (e *siteEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.done)
	}
	return nil
}

func spawnerFor(site map[string]*browser.Page) browser.Spawner {
	var n atomic.Int32
	return func(ctx context.Context) (browser.Engine, error) {
		return &siteEngine{site: site, pid: int(2000 + n.Add(1)), done: make(chan struct{})}, nil
	}
}

type fakeFetcher struct{}

func (fakeFetcher) Get(ctx context.Context, rawURL string) (*httpclient.Response, error) {
	return &httpclient.Response{URL: rawURL, Code: http.StatusOK}, nil
}

// suffixMatcher flags every URL in soft as a not-found page.
type suffixMatcher struct {
	soft map[string]bool
}

func (m suffixMatcher) Match(ctx context.Context, resp *httpclient.Response) (bool, error) {
	return m.soft[resp.URL], nil
}

type fakeRepo struct {
	mu       sync.Mutex
	stored   map[string][]sinks.Entry
	pages    map[string][]store.PageRecord
	loadErr  error
	persistE error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{stored: map[string][]sinks.Entry{}, pages: map[string][]store.PageRecord{}}
}

func (r *fakeRepo) PersistSinks(ctx context.Context, scanID string, entries []sinks.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.persistE != nil {
		return r.persistE
	}
	r.stored[scanID] = entries
	return nil
}

func (r *fakeRepo) LoadSinks(ctx context.Context, scanID string) ([]sinks.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stored[scanID], r.loadErr
}

func (r *fakeRepo) PersistPages(ctx context.Context, scanID string, pages []store.PageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pages[scanID] = append(r.pages[scanID], pages...)
	return nil
}

// -- Helpers --

const home = "http://app.test/"

func testSite() map[string]*browser.Page {
	return map[string]*browser.Page{
		home: {URL: home, Links: []string{
			home + "a",
			home + "b",
			home + "a#top",
			"http://other.test/x",
			"mailto:admin@app.test",
			"http://cdn.app.test/lib.js",
		}},
		home + "a": {URL: home + "a", Links: []string{home, home + "c"}},
		home + "b": {URL: home + "b"},
		home + "c": {URL: home + "c"},
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Pool: config.PoolConfig{
			Size:             2,
			JobTimeout:       2 * time.Second,
			WorkerTimeToLive: 100,
			JobRetries:       1,
			QueueSize:        10,
			CategoryOrder:    []string{pool.CategoryDefault, pool.CategoryCrawl},
		},
		Soft404: config.Soft404Config{Concurrency: 2},
		Scan:    config.ScanConfig{Scope: "strict"},
	}
}

func newTestPool(t *testing.T, cfg *config.Config, site map[string]*browser.Page) *pool.Pool {
	t.Helper()
	p, err := pool.New(context.Background(), cfg.Pool, spawnerFor(site), pool.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	return p
}

func pageURLs(r *Report) []string {
	var urls []string
	for _, p := range r.Pages {
		urls = append(urls, p.URL)
	}
	sort.Strings(urls)
	return urls
}

func scanCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// -- Tests --

func TestNew(t *testing.T) {
	cfg := testConfig()
	p := newTestPool(t, cfg, nil)
	defer p.Shutdown(false)

	_, err := New(nil, zap.NewNop(), p, nil, nil, nil, nil)
	assert.Error(t, err)
	_, err = New(cfg, nil, p, nil, nil, nil, nil)
	assert.Error(t, err)
	_, err = New(cfg, zap.NewNop(), nil, nil, nil, nil, nil)
	assert.Error(t, err)

	o, err := New(cfg, zap.NewNop(), p, nil, nil, nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, o)
}

func TestStartScan_FollowsInScopeLinks(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig()
	p := newTestPool(t, cfg, testSite())
	defer p.Shutdown(false)

	o, err := New(cfg, zap.NewNop(), p, nil, nil, nil, nil)
	require.NoError(t, err)

	report, err := o.StartScan(scanCtx(t), []string{home}, "scan-1")
	require.NoError(t, err)

	assert.Equal(t, []string{home, home + "a", home + "b", home + "c"}, pageURLs(report))
	assert.Equal(t, 3, report.Rounds)
	assert.Equal(t, "scan-1", report.ScanID)
	assert.Equal(t, int64(4), report.Statistics.CompletedJobCount)
	assert.False(t, report.FinishedAt.Before(report.StartedAt))
}

func TestStartScan_TaintTracesEvents(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := browser.EventTarget{Locator: "#a", Event: "click"}
	b := browser.EventTarget{Locator: "#b", Event: "input"}
	site := map[string]*browser.Page{
		home: {URL: home, Events: []browser.EventTarget{a, b}},
	}

	cfg := testConfig()
	cfg.Scan.Taint = "t4int"
	p := newTestPool(t, cfg, site)
	defer p.Shutdown(false)

	o, err := New(cfg, zap.NewNop(), p, nil, nil, nil, nil)
	require.NoError(t, err)

	report, err := o.StartScan(scanCtx(t), []string{home}, "scan-1")
	require.NoError(t, err)

	transitions := map[string][]string{}
	for _, page := range report.Pages {
		transitions[page.Kind] = append(transitions[page.Kind], page.Transition)
		if strings.HasPrefix(page.Kind, string(pool.KindTaintTrace)) {
			assert.Contains(t, page.TaintSinks, "dom: t4int")
		} else {
			assert.Empty(t, page.TaintSinks)
		}
	}
	assert.Equal(t, []string{""}, transitions[string(pool.KindDOMExploration)])
	assert.Equal(t, []string{""}, transitions[string(pool.KindTaintTrace)])
	assert.ElementsMatch(t, []string{a.String(), b.String()}, transitions[string(pool.KindEventTrigger)])
	assert.ElementsMatch(t, []string{a.String(), b.String()}, transitions[string(pool.KindTaintEventTrigger)])
	assert.Equal(t, int64(6), report.Statistics.CompletedJobCount)
}

func TestStartScan_SubdomainScope(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig()
	cfg.Scan.Scope = "subdomain"
	p := newTestPool(t, cfg, testSite())
	defer p.Shutdown(false)

	o, err := New(cfg, zap.NewNop(), p, nil, nil, nil, nil)
	require.NoError(t, err)

	report, err := o.StartScan(scanCtx(t), []string{home}, "scan-1")
	require.NoError(t, err)
	assert.Contains(t, pageURLs(report), "http://cdn.app.test/lib.js")
	assert.NotContains(t, pageURLs(report), "http://other.test/x")
}

func TestStartScan_PageBudget(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig()
	cfg.Scan.MaxPages = 2
	p := newTestPool(t, cfg, testSite())
	defer p.Shutdown(false)

	o, err := New(cfg, zap.NewNop(), p, nil, nil, nil, nil)
	require.NoError(t, err)

	report, err := o.StartScan(scanCtx(t), []string{home}, "scan-1")
	require.NoError(t, err)
	assert.Equal(t, []string{home, home + "a"}, pageURLs(report))
}

func TestStartScan_DropsSoft404s(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig()
	p := newTestPool(t, cfg, testSite())
	defer p.Shutdown(false)

	matcher := suffixMatcher{soft: map[string]bool{home + "b": true}}
	o, err := New(cfg, zap.NewNop(), p, nil, fakeFetcher{}, matcher, nil)
	require.NoError(t, err)

	report, err := o.StartScan(scanCtx(t), []string{home}, "scan-1")
	require.NoError(t, err)
	assert.Equal(t, []string{home, home + "a", home + "c"}, pageURLs(report))
	assert.Equal(t, []string{home + "b"}, report.Soft404)
}

func TestStartScan_ResumeAndPersist(t *testing.T) {
	defer goleak.VerifyNone(t)

	search := element.New(element.Form, home+"search", http.MethodGet, map[string]string{"q": "shoes", "page": "1"})
	site := map[string]*browser.Page{
		home: {URL: home, Elements: []*element.Element{search}},
	}

	cfg := testConfig()
	cfg.Scan.ResumeID = "scan-0"
	p := newTestPool(t, cfg, site)
	defer p.Shutdown(false)

	reg, err := sinks.NewRegistry(config.SinksConfig{Precision: 2, Concurrency: 1}, nil, nil)
	require.NoError(t, err)

	repo := newFakeRepo()
	repo.stored["scan-0"] = []sinks.Entry{
		{SinkHash: search.SinkHash(), Sink: sinks.Traced, Input: "q"},
		{SinkHash: search.SinkHash(), Sink: sinks.Traced, Input: "page"},
		{SinkHash: search.SinkHash(), Sink: sinks.Body, Input: "q"},
	}

	o, err := New(cfg, zap.NewNop(), p, reg, nil, nil, repo)
	require.NoError(t, err)

	report, err := o.StartScan(scanCtx(t), []string{home}, "scan-1")
	require.NoError(t, err)

	require.Len(t, report.Sinks, 1)
	assert.Equal(t, InputSinks{
		Type:   string(element.Form),
		Action: home + "search",
		Method: http.MethodGet,
		Input:  "q",
		Sinks:  []string{string(sinks.Body)},
	}, report.Sinks[0])

	assert.ElementsMatch(t, repo.stored["scan-0"], repo.stored["scan-1"])
	require.Len(t, repo.pages["scan-1"], 1)
	assert.Equal(t, home, repo.pages["scan-1"][0].Page.URL)
}

func TestStartScan_Errors(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig()
	p := newTestPool(t, cfg, testSite())
	defer p.Shutdown(false)

	t.Run("invalid target", func(t *testing.T) {
		o, err := New(cfg, zap.NewNop(), p, nil, nil, nil, nil)
		require.NoError(t, err)
		_, err = o.StartScan(scanCtx(t), []string{"not a url"}, "scan-1")
		assert.Error(t, err)
	})

	t.Run("unknown scope", func(t *testing.T) {
		bad := testConfig()
		bad.Scan.Scope = "everything"
		o, err := New(bad, zap.NewNop(), p, nil, nil, nil, nil)
		require.NoError(t, err)
		_, err = o.StartScan(scanCtx(t), []string{home}, "scan-1")
		assert.ErrorContains(t, err, "unsupported scope")
	})

	t.Run("resume failure", func(t *testing.T) {
		resume := testConfig()
		resume.Scan.ResumeID = "scan-0"
		reg, err := sinks.NewRegistry(config.SinksConfig{}, nil, nil)
		require.NoError(t, err)
		repo := newFakeRepo()
		repo.loadErr = errors.New("relation does not exist")

		o, err := New(resume, zap.NewNop(), p, reg, nil, nil, repo)
		require.NoError(t, err)
		_, err = o.StartScan(scanCtx(t), []string{home}, "scan-1")
		assert.ErrorIs(t, err, repo.loadErr)
	})

	t.Run("persist failure", func(t *testing.T) {
		reg, err := sinks.NewRegistry(config.SinksConfig{}, nil, nil)
		require.NoError(t, err)
		repo := newFakeRepo()
		repo.persistE = errors.New("disk full")

		o, err := New(cfg, zap.NewNop(), p, reg, nil, nil, repo)
		require.NoError(t, err)
		_, err = o.StartScan(scanCtx(t), []string{home}, "scan-2")
		assert.ErrorIs(t, err, repo.persistE)
	})

	t.Run("pool shut down", func(t *testing.T) {
		closed := newTestPool(t, cfg, nil)
		closed.Shutdown(false)
		o, err := New(cfg, zap.NewNop(), closed, nil, nil, nil, nil)
		require.NoError(t, err)
		_, err = o.StartScan(scanCtx(t), []string{home}, "scan-1")
		assert.ErrorIs(t, err, pool.ErrAlreadyShutdown)
	})
}

func TestScopeFilter(t *testing.T) {
	s, err := newScope([]string{"https://App.test/start"}, "strict")
	require.NoError(t, err)

	got := s.filter([]string{
		"https://app.test/a#x",
		"https://app.test/a",
		"https://app.test/b",
		"ftp://app.test/c",
		"https://evil.test/",
	}, map[string]struct{}{"https://app.test/b": {}})
	assert.Equal(t, []string{"https://app.test/a"}, got)
}
