package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/domscout/internal/browser"
	"github.com/xkilldash9x/domscout/internal/config"
	"github.com/xkilldash9x/domscout/internal/observability"
	"github.com/xkilldash9x/domscout/internal/orchestrator"
	"github.com/xkilldash9x/domscout/internal/sinks"
	"github.com/xkilldash9x/domscout/internal/store"
)

const testConfigYAML = `
logger:
  level: error
pool:
  size: 1
  job_timeout: 5s
  job_retries: 1
soft404:
  enabled: false
`

// writeTestConfig writes a config file suited to running scans in-process.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfigYAML), 0o644))
	return path
}

// execute runs the command tree with args and returns its output.
func execute(t *testing.T, provider storeProvider, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(observability.ResetForTest)

	root := newRootCommand(provider)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// useSite replaces the browser spawner with one serving site.
func useSite(t *testing.T, site map[string]*browser.Page) {
	t.Helper()
	orig := newSpawner
	t.Cleanup(func() { newSpawner = orig })
	newSpawner = func(cfg config.BrowserConfig, logger *zap.Logger) browser.Spawner {
		return func(ctx context.Context) (browser.Engine, error) {
			return &siteEngine{site: site, done: make(chan struct{})}, nil
		}
	}
}

// siteEngine serves a static link graph.
type siteEngine struct {
	site    map[string]*browser.Page
	mu      sync.Mutex
	current string
	closed  bool
	done    chan struct{}
}

func (e *siteEngine) page(url string) *browser.Page {
	if p, ok := e.site[url]; ok {
		return p.Dup()
	}
	return &browser.Page{URL: url}
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
	return nil, nil
}
func (e *siteEngine) TriggerEvent(ctx context.Context, t browser.EventTarget) (*browser.Page, error) {
	return e.Snapshot(ctx)
}
func (e *siteEngine) SetTaint(string)             {}
func (e *siteEngine) Reset(context.Context) error { return nil }
func (e *siteEngine) Pid() int                    { return 4242 }
func (e *siteEngine) Done() <-chan struct{}       { return e.done }

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

// memRepo is an in-memory sink repository.
type memRepo struct {
	mu     sync.Mutex
	sinks  map[string][]sinks.Entry
	pages  map[string][]store.PageRecord
	closed bool
}

func newMemRepo() *memRepo {
	return &memRepo{sinks: map[string][]sinks.Entry{}, pages: map[string][]store.PageRecord{}}
}

func (r *memRepo) PersistSinks(ctx context.Context, scanID string, entries []sinks.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[scanID] = entries
	return nil
}

func (r *memRepo) LoadSinks(ctx context.Context, scanID string) ([]sinks.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sinks[scanID], nil
}

func (r *memRepo) PersistPages(ctx context.Context, scanID string, pages []store.PageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pages[scanID] = append(r.pages[scanID], pages...)
	return nil
}

// memProvider hands out one memRepo, or err.
type memProvider struct {
	repo *memRepo
	err  error
}

func (p *memProvider) Create(ctx context.Context, cfg *config.Config) (orchestrator.SinkRepository, func(), error) {
	if p.err != nil {
		return nil, nil, p.err
	}
	return p.repo, func() {
		p.repo.mu.Lock()
		p.repo.closed = true
		p.repo.mu.Unlock()
	}, nil
}
