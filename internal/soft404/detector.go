// Package soft404 recognizes custom "not found" pages, served with a status
// other than 404, by comparing responses against refined signatures of
// deliberately nonexistent resources.
package soft404

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/domscout/internal/config"
	"github.com/xkilldash9x/domscout/internal/httpclient"
	"github.com/xkilldash9x/domscout/internal/observability"
	"github.com/xkilldash9x/domscout/internal/signature"
)

// errCorrupted flags a handler whose probes returned unusable or unstable responses.
var errCorrupted = errors.New("soft404: probe responses are unusable")

// Fetcher performs probe requests.
type Fetcher interface {
	Do(ctx context.Context, req *httpclient.Request) (*httpclient.Response, error)
}

// probeSignature is what was learned from one probe URL: the first response
// and that response refined against the rest of the samples.
type probeSignature struct {
	original *signature.Signature
	refined  *signature.Signature
}

// handler owns the not-found analysis of one directory.
type handler struct {
	url string

	mu       sync.Mutex
	analyzed bool
	hard     bool
	basic    []probeSignature
}

// Detector classifies responses as custom not-found pages.
// It is safe for concurrent use; analyses of the same directory are serialized.
type Detector struct {
	client Fetcher
	cfg    config.Soft404Config
	logger *zap.Logger

	mu        sync.Mutex
	handlers  map[string]*handler
	hard      map[string]struct{}
	corrupted map[string]struct{}
	observers []func(url string, matched bool)
}

// New creates a Detector. Zero thresholds and precision fall back to defaults.
func New(cfg config.Soft404Config, client Fetcher) *Detector {
	if cfg.Precision <= 0 {
		cfg.Precision = 2
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.1
	}
	if cfg.DifferenceThreshold <= 0 {
		cfg.DifferenceThreshold = 0.3
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Detector{
		client:    client,
		cfg:       cfg,
		logger:    observability.GetLogger().Named("soft404"),
		handlers:  make(map[string]*handler),
		hard:      make(map[string]struct{}),
		corrupted: make(map[string]struct{}),
	}
}

// OnMatch subscribes fn to every completed classification.
func (d *Detector) OnMatch(fn func(url string, matched bool)) {
	d.mu.Lock()
	d.observers = append(d.observers, fn)
	d.mu.Unlock()
}

// Hard reports whether the directory governing rawURL answers with plain 404s.
func (d *Detector) Hard(rawURL string) bool {
	return d.flagged(d.hard, rawURL)
}

// Corrupted reports whether analysis was abandoned for rawURL's directory.
func (d *Detector) Corrupted(rawURL string) bool {
	return d.flagged(d.corrupted, rawURL)
}

func (d *Detector) flagged(set map[string]struct{}, rawURL string) bool {
	base, err := HandlerURL(rawURL)
	if err != nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := set[base]
	return ok
}

// Prune drops cached directory analyses; hard and corrupted verdicts stay.
func (d *Detector) Prune() {
	d.mu.Lock()
	d.handlers = make(map[string]*handler)
	d.mu.Unlock()
}

func (d *Detector) handlerFor(base string) *handler {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.handlers[base]
	if !ok {
		h = &handler{url: base}
		d.handlers[base] = h
	}
	return h
}

// Match reports whether resp is a not-found page. Directories whose probes
// behave erratically are marked corrupted and never match.
func (d *Detector) Match(ctx context.Context, resp *httpclient.Response) (bool, error) {
	rawURL := resp.RequestURL
	if rawURL == "" {
		rawURL = resp.URL
	}
	base, err := HandlerURL(rawURL)
	if err != nil {
		return false, fmt.Errorf("soft404: %w", err)
	}
	if d.Corrupted(rawURL) {
		d.logger.Debug("Skipping corrupted directory.", zap.String("handler", base), zap.String("url", rawURL))
		return false, nil
	}

	h := d.handlerFor(base)
	h.mu.Lock()
	defer h.mu.Unlock()

	matched, err := d.check(ctx, h, rawURL, resp)
	if errors.Is(err, errCorrupted) {
		d.mu.Lock()
		d.corrupted[base] = struct{}{}
		delete(d.handlers, base)
		d.mu.Unlock()
		d.logger.Debug("Directory marked corrupted.", zap.String("handler", base))
		return false, nil
	}
	if err != nil {
		return false, err
	}

	d.mu.Lock()
	observers := d.observers
	d.mu.Unlock()
	for _, fn := range observers {
		fn(rawURL, matched)
	}
	return matched, nil
}

func (d *Detector) check(ctx context.Context, h *handler, rawURL string, resp *httpclient.Response) (bool, error) {
	if !h.analyzed {
		if err := d.basicAnalysis(ctx, h, rawURL); err != nil {
			return false, err
		}
	}

	if h.hard {
		return resp.Code != http.StatusOK, nil
	}

	sig := signature.New(resp.Body)
	if matchesAny(sig, h.basic, d.cfg.SimilarityThreshold) {
		return true, nil
	}
	if !NeedsAdvancedAnalysis(rawURL) {
		return false, nil
	}

	advanced, err := d.advancedAnalysis(ctx, rawURL)
	if err != nil {
		return false, err
	}
	return matchesAny(sig, advanced, d.cfg.SimilarityThreshold), nil
}

func (d *Detector) basicAnalysis(ctx context.Context, h *handler, rawURL string) error {
	gens, err := basicGenerators(rawURL, h.url, d.cfg.Precision)
	if err != nil {
		return err
	}
	sigs, codes, err := d.gather(ctx, gens)
	if err != nil {
		return err
	}

	hard404s := 0
	for _, c := range codes {
		if c == http.StatusNotFound {
			hard404s++
		}
	}
	if hard404s == len(gens) && !NeedsAdvancedAnalysis(rawURL) {
		h.hard = true
		h.basic = nil
		d.mu.Lock()
		d.hard[h.url] = struct{}{}
		d.mu.Unlock()
	} else {
		h.basic = sigs
	}
	h.analyzed = true
	d.logger.Debug("Got basic signatures.", zap.String("handler", h.url), zap.Bool("hard", h.hard))
	return nil
}

func (d *Detector) advancedAnalysis(ctx context.Context, rawURL string) ([]probeSignature, error) {
	gens, err := advancedGenerators(rawURL, d.cfg.Precision)
	if err != nil || len(gens) == 0 {
		return nil, err
	}
	sigs, _, err := d.gather(ctx, gens)
	return sigs, err
}

// gather builds a probe signature per generator, concurrently.
func (d *Detector) gather(ctx context.Context, gens []generator) ([]probeSignature, []int, error) {
	sigs := make([]probeSignature, len(gens))
	codes := make([]int, len(gens))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for i, gen := range gens {
		i, probe := i, gen()
		g.Go(func() error {
			sig, code, err := d.signatureFromURL(gctx, probe)
			if err != nil {
				return err
			}
			sigs[i], codes[i] = sig, code
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return sigs, codes, nil
}

// signatureFromURL requests probe 2*precision times. The first half of the
// samples form the signature, the second half a control that must agree with
// it for the probe to be trusted.
func (d *Detector) signatureFromURL(ctx context.Context, probe string) (probeSignature, int, error) {
	precision := d.cfg.Precision
	var data, control probeSignature
	lastCode := 0

	for i := 0; i < precision*2; i++ {
		resp, err := d.client.Do(ctx, &httpclient.Request{Method: http.MethodGet, URL: probe, FollowRedirects: true})
		if err != nil {
			return probeSignature{}, 0, err
		}
		if resp.Code != http.StatusOK && resp.Code != http.StatusNotFound {
			d.logger.Debug("Unusable probe response.", zap.String("probe", probe), zap.Int("code", resp.Code))
			return probeSignature{}, 0, errCorrupted
		}
		lastCode = resp.Code

		target := &data
		if i >= precision {
			target = &control
		}
		if target.original == nil {
			target.original = signature.New(resp.Body)
			target.refined = target.original
			continue
		}
		target.refined = target.refined.Refine(resp.Body)
	}

	if !control.refined.Similar(data.refined, d.cfg.DifferenceThreshold) {
		d.logger.Debug("Probe samples disagree.", zap.String("probe", probe))
		return probeSignature{}, 0, errCorrupted
	}
	return data, lastCode, nil
}

func matchesAny(sig *signature.Signature, probes []probeSignature, threshold float64) bool {
	for _, p := range probes {
		if p.original == nil {
			continue
		}
		s := p.original.RefineWith(sig)
		if !s.Empty() && p.refined.Similar(s, threshold) {
			return true
		}
	}
	return false
}
