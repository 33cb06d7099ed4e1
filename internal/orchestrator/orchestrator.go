// Package orchestrator runs the crawl loop of a scan: it explores seed pages
// through the browser pool, follows in-scope links round by round, and
// gathers the sink classifications the pool's tracers produced.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/domscout/internal/config"
	"github.com/xkilldash9x/domscout/internal/element"
	"github.com/xkilldash9x/domscout/internal/httpclient"
	"github.com/xkilldash9x/domscout/internal/pool"
	"github.com/xkilldash9x/domscout/internal/sinks"
	"github.com/xkilldash9x/domscout/internal/store"
)

// SinkRepository persists scan state between runs.
type SinkRepository interface {
	PersistSinks(ctx context.Context, scanID string, entries []sinks.Entry) error
	LoadSinks(ctx context.Context, scanID string) ([]sinks.Entry, error)
	PersistPages(ctx context.Context, scanID string, pages []store.PageRecord) error
}

// Fetcher retrieves a URL outside the browser.
type Fetcher interface {
	Get(ctx context.Context, rawURL string) (*httpclient.Response, error)
}

// NotFoundMatcher tells custom not-found pages apart from real ones.
type NotFoundMatcher interface {
	Match(ctx context.Context, resp *httpclient.Response) (bool, error)
}

// PageSummary is one explored DOM state.
type PageSummary struct {
	URL        string   `json:"url"`
	Title      string   `json:"title,omitempty"`
	Transition string   `json:"transition,omitempty"`
	Kind       string   `json:"kind"`
	TaintSinks []string `json:"taint_sinks,omitempty"`
	Requests   int      `json:"requests"`
	SinkHash   uint64   `json:"sink_hash,omitempty"`
}

// InputSinks lists the sinks found on one input of one element.
type InputSinks struct {
	Type   string   `json:"type"`
	Action string   `json:"action"`
	Method string   `json:"method"`
	Input  string   `json:"input"`
	Sinks  []string `json:"sinks"`
}

// Report is the outcome of a scan.
type Report struct {
	ScanID     string          `json:"scan_id"`
	Targets    []string        `json:"targets"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Rounds     int             `json:"rounds"`
	Pages      []PageSummary   `json:"pages"`
	Sinks      []InputSinks    `json:"sinks"`
	Soft404    []string        `json:"soft_404,omitempty"`
	Statistics pool.Statistics `json:"statistics"`
}

// Orchestrator manages the high-level lifecycle of a scan.
// It is injected with fully configured components.
type Orchestrator struct {
	cfg      *config.Config
	logger   *zap.Logger
	pool     *pool.Pool
	registry *sinks.Registry
	fetcher  Fetcher
	notFound NotFoundMatcher
	repo     SinkRepository
}

// New creates an Orchestrator. registry, fetcher, notFound and repo are
// optional: without them sink results, soft-404 filtering and persistence
// are skipped.
func New(
	cfg *config.Config,
	logger *zap.Logger,
	p *pool.Pool,
	registry *sinks.Registry,
	fetcher Fetcher,
	notFound NotFoundMatcher,
	repo SinkRepository,
) (*Orchestrator, error) {
	if cfg == nil || logger == nil || p == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	return &Orchestrator{
		cfg:      cfg,
		logger:   logger.Named("orchestrator"),
		pool:     p,
		registry: registry,
		fetcher:  fetcher,
		notFound: notFound,
		repo:     repo,
	}, nil
}

// crawl is the mutable state of one scan, fed by pool callbacks.
type crawl struct {
	mu       sync.Mutex
	pages    []PageSummary
	records  []store.PageRecord
	links    []string
	elements map[uint64]*element.Element
}

func (c *crawl) collect(res *pool.Result) {
	if res.Page == nil {
		return
	}
	summary := PageSummary{
		URL:        res.Page.URL,
		Title:      res.Page.Title,
		Kind:       string(res.Job.Kind()),
		TaintSinks: res.Page.TaintSinks,
		Requests:   len(res.Page.Captures),
		SinkHash:   res.SinkTraceHash,
	}
	if res.Page.Transition != nil {
		summary.Transition = res.Page.Transition.String()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages = append(c.pages, summary)
	c.records = append(c.records, store.PageRecord{Page: res.Page, SinkHash: res.SinkTraceHash})
	c.links = append(c.links, res.Page.Links...)
	for _, el := range res.Page.Elements {
		if len(el.DefaultInputs) > 0 {
			c.elements[el.SinkHash()] = el
		}
	}
}

// drainLinks returns the links gathered since the last call.
func (c *crawl) drainLinks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	links := c.links
	c.links = nil
	return links
}

// StartScan crawls from targets until no new in-scope page is found or the
// page budget is spent. Every round is closed by a pool barrier, so links
// are queued by the loop itself and never from inside a callback.
func (o *Orchestrator) StartScan(ctx context.Context, targets []string, scanID string) (*Report, error) {
	o.logger.Info("Orchestrator starting scan", zap.String("scanID", scanID), zap.Strings("targets", targets))
	report := &Report{ScanID: scanID, Targets: targets, StartedAt: time.Now().UTC()}

	scope, err := newScope(targets, o.cfg.Scan.Scope)
	if err != nil {
		return nil, err
	}
	if err := o.resume(ctx); err != nil {
		return nil, err
	}

	state := &crawl{elements: make(map[uint64]*element.Element)}
	visited := make(map[string]struct{})
	frontier := scope.filter(targets, visited)
	budget := o.cfg.Scan.MaxPages

	for len(frontier) > 0 {
		if budget > 0 {
			remaining := budget - len(visited)
			if remaining <= 0 {
				o.logger.Info("Page budget reached.", zap.Int("max_pages", budget))
				break
			}
			if len(frontier) > remaining {
				frontier = frontier[:remaining]
			}
		}
		report.Rounds++
		o.logger.Info("Crawl round.", zap.Int("round", report.Rounds), zap.Int("pages", len(frontier)))

		for _, u := range frontier {
			visited[u] = struct{}{}
			if err := o.pool.Explore(ctx, u, state.collect); err != nil {
				return nil, fmt.Errorf("failed to queue %s: %w", u, err)
			}
			if o.cfg.Scan.Taint != "" {
				if err := o.pool.TraceTaint(ctx, u, o.cfg.Scan.Taint, o.cfg.Scan.Injector, state.collect); err != nil {
					return nil, fmt.Errorf("failed to queue taint trace of %s: %w", u, err)
				}
			}
		}
		if err := o.pool.Wait(ctx); err != nil {
			return nil, err
		}

		candidates := scope.filter(state.drainLinks(), visited)
		next, soft, err := o.dropSoft404s(ctx, candidates)
		if err != nil {
			return nil, err
		}
		report.Soft404 = append(report.Soft404, soft...)
		for _, u := range soft {
			visited[u] = struct{}{}
		}
		frontier = next
	}

	state.mu.Lock()
	report.Pages = state.pages
	records := state.records
	elements := state.elements
	state.mu.Unlock()

	report.Sinks = o.inputSinks(elements)
	report.Statistics = o.pool.Statistics()

	if err := o.persist(ctx, scanID, records); err != nil {
		return nil, err
	}
	report.FinishedAt = time.Now().UTC()
	o.logger.Info("Scan orchestration finished",
		zap.String("scanID", scanID),
		zap.Int("pages", len(report.Pages)),
		zap.Int("sinks", len(report.Sinks)))
	return report, nil
}

func (o *Orchestrator) resume(ctx context.Context) error {
	id := o.cfg.Scan.ResumeID
	if id == "" || o.repo == nil || o.registry == nil {
		return nil
	}
	entries, err := o.repo.LoadSinks(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load sink state of scan %s: %w", id, err)
	}
	o.registry.State().Restore(entries)
	o.logger.Info("Resumed sink state.", zap.String("from", id), zap.Int("entries", len(entries)))
	return nil
}

// dropSoft404s fetches every candidate and splits off the ones that turn out
// to be custom not-found pages. Fetch failures keep the candidate.
func (o *Orchestrator) dropSoft404s(ctx context.Context, candidates []string) (keep, soft []string, err error) {
	if o.notFound == nil || o.fetcher == nil || len(candidates) == 0 {
		return candidates, nil, nil
	}

	matched := make([]bool, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(o.cfg.Soft404.Concurrency, 1))
	for i, u := range candidates {
		g.Go(func() error {
			resp, err := o.fetcher.Get(gctx, u)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				o.logger.Debug("Could not fetch link.", zap.String("url", u), zap.Error(err))
				return nil
			}
			m, err := o.notFound.Match(gctx, resp)
			if err != nil {
				o.logger.Debug("Soft 404 analysis failed.", zap.String("url", u), zap.Error(err))
				return nil
			}
			matched[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	for i, u := range candidates {
		if matched[i] {
			soft = append(soft, u)
		} else {
			keep = append(keep, u)
		}
	}
	return keep, soft, nil
}

func (o *Orchestrator) inputSinks(elements map[uint64]*element.Element) []InputSinks {
	if o.registry == nil {
		return nil
	}
	var out []InputSinks
	for _, el := range elements {
		for input, found := range o.registry.State().PerInput(el) {
			var names []string
			for _, s := range found {
				if s != sinks.Traced {
					names = append(names, string(s))
				}
			}
			if len(names) == 0 {
				continue
			}
			out = append(out, InputSinks{
				Type:   string(el.Type),
				Action: el.Action,
				Method: el.Method,
				Input:  input,
				Sinks:  names,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Action != out[j].Action {
			return out[i].Action < out[j].Action
		}
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Input < out[j].Input
	})
	return out
}

func (o *Orchestrator) persist(ctx context.Context, scanID string, records []store.PageRecord) error {
	if o.repo == nil {
		return nil
	}
	var errs []error
	if o.registry != nil {
		if err := o.repo.PersistSinks(ctx, scanID, o.registry.State().Snapshot()); err != nil {
			errs = append(errs, fmt.Errorf("failed to persist sinks: %w", err))
		}
	}
	if err := o.repo.PersistPages(ctx, scanID, records); err != nil {
		errs = append(errs, fmt.Errorf("failed to persist pages: %w", err))
	}
	return errors.Join(errs...)
}

// scope decides which links are followed.
type scope struct {
	hosts      []string
	subdomains bool
}

func newScope(targets []string, mode string) (*scope, error) {
	s := &scope{}
	switch strings.ToLower(mode) {
	case "", "strict":
	case "subdomain":
		s.subdomains = true
	default:
		return nil, fmt.Errorf("unsupported scope %q", mode)
	}
	for _, t := range targets {
		u, err := url.Parse(t)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid target %q", t)
		}
		s.hosts = append(s.hosts, strings.ToLower(u.Hostname()))
	}
	return s, nil
}

func (s *scope) allows(u *url.URL) bool {
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range s.hosts {
		if host == h || (s.subdomains && strings.HasSuffix(host, "."+h)) {
			return true
		}
	}
	return false
}

// filter normalizes links, drops fragments, and keeps the in-scope ones not
// seen before, in order.
func (s *scope) filter(links []string, visited map[string]struct{}) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, l := range links {
		u, err := url.Parse(l)
		if err != nil || !s.allows(u) {
			continue
		}
		u.Fragment = ""
		n := u.String()
		if _, ok := visited[n]; ok {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
