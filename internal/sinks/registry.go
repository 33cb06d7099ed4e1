package sinks

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/domscout/internal/config"
	"github.com/xkilldash9x/domscout/internal/element"
	"github.com/xkilldash9x/domscout/internal/observability"
)

// SeedPrefix starts every tracer seed. It is kept recognizable instead of
// fully random so that appended payload formats cannot feed back into training.
const SeedPrefix = "domscout_sink_tracer_"

// CostFunc estimates the work units tracing el with the given audit seeds takes.
type CostFunc func(r *Registry, el *element.Element, seeds []string) int

// RunFunc performs a trace, recording its findings through tr.
type RunFunc func(ctx context.Context, tr *Trace) error

// Tracer is a registered sink classification strategy.
type Tracer struct {
	Name  string
	Sinks []Sink
	Cost  CostFunc
	Run   RunFunc

	provides sinkSet
}

// Classification is published once a mutation has been classified.
type Classification struct {
	Tracer   string
	Mutation *element.Element
	Sinks    []Sink
}

// Registry is the scan-scoped sink tracing configuration: enabled sinks, the
// cost budget, the extra seed and the registered tracers.
type Registry struct {
	state  *State
	client element.Submitter
	cfg    config.SinksConfig
	logger *zap.Logger
	seed   string

	mu        sync.RWMutex
	tracers   map[string]*Tracer
	order     []string
	enabled   sinkSet
	supported sinkSet
	maxCost   int
	extraSeed string
	corrupted map[string]struct{}
	observers []func(Classification)
}

// NewRegistry builds a registry with the built-in tracers registered and the
// configured sinks enabled.
func NewRegistry(cfg config.SinksConfig, state *State, client element.Submitter) (*Registry, error) {
	if state == nil {
		state = NewState()
	}
	if cfg.Precision < 2 {
		cfg.Precision = 2
	}
	r := &Registry{
		state:     state,
		client:    client,
		cfg:       cfg,
		logger:    observability.GetLogger().Named("sinks"),
		seed:      SeedPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		tracers:   make(map[string]*Tracer),
		enabled:   newSinkSet(),
		supported: newSinkSet(),
		maxCost:   cfg.MaxCost,
		corrupted: make(map[string]struct{}),
	}

	for _, t := range builtinTracers() {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	for _, s := range cfg.Enabled {
		if err := r.Enable(Sink(s)); err != nil {
			return nil, err
		}
	}
	if cfg.ExtraSeed != "" {
		r.AddToExtraSeed(cfg.ExtraSeed)
	}
	return r, nil
}

func builtinTracers() []Tracer {
	return []Tracer{
		FuzzTracer(),
		DifferentialTracer(),
		markerTracer(Blind),
		markerTracer(Traced),
		markerTracer(Override),
	}
}

// Register adds a tracer; its sinks become supported.
// Registering a name again replaces the previous tracer.
func (r *Registry) Register(t Tracer) error {
	if t.Name == "" || t.Run == nil {
		return fmt.Errorf("%w: name and run function are required", ErrInvalidTracer)
	}
	if t.Cost == nil {
		return fmt.Errorf("%w: %s", ErrMissingCost, t.Name)
	}
	if len(t.Sinks) == 0 {
		t.Sinks = []Sink{Sink(t.Name)}
	}
	t.provides = newSinkSet(t.Sinks...)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tracers[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tracers[t.Name] = &t
	for _, s := range t.Sinks {
		r.supported[s] = struct{}{}
	}
	return nil
}

// Tracer returns a registered tracer by name.
func (r *Registry) Tracer(name string) (*Tracer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tracers[name]
	return t, ok
}

func (r *Registry) Supported(sink Sink) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.supported.has(sink)
}

// Enable turns on tracing for sink.
func (r *Registry) Enable(sink Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.supported.has(sink) {
		return fmt.Errorf("%w: %q", ErrInvalidSink, sink)
	}
	r.enabled[sink] = struct{}{}
	return nil
}

// EnableAll turns on every supported sink.
func (r *Registry) EnableAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for s := range r.supported {
		r.enabled[s] = struct{}{}
	}
}

// Enabled returns the enabled sinks, sorted.
func (r *Registry) Enabled() []Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled.sorted()
}

// IsEnabled reports whether any of sinks is enabled.
func (r *Registry) IsEnabled(sinks ...Sink) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range sinks {
		if r.enabled.has(s) {
			return true
		}
	}
	return false
}

// AddToMaxCost raises the budget; checks call it for the sinks they need.
func (r *Registry) AddToMaxCost(cost int) {
	r.mu.Lock()
	r.maxCost += cost
	r.mu.Unlock()
}

func (r *Registry) MaxCost() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.maxCost
}

// AcceptableCost reports whether a trace of the given cost fits the budget.
func (r *Registry) AcceptableCost(cost int) bool {
	return cost <= r.MaxCost()
}

// AddToExtraSeed appends s to the extra seed unless it is already part of it.
func (r *Registry) AddToExtraSeed(s string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !strings.Contains(r.extraSeed, s) {
		r.extraSeed += s
	}
	return r.extraSeed
}

func (r *Registry) ExtraSeed() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.extraSeed
}

// Seed is the registry's tracer seed.
func (r *Registry) Seed() string { return r.seed }

// AuditSeeds are the values injected during a trace: the seed, followed by
// the seed joined with the extra seed when one is set.
func (r *Registry) AuditSeeds() []string {
	seeds := []string{r.seed}
	if extra := r.ExtraSeed(); extra != "" {
		seeds = append(seeds, r.seed+"_"+extra)
	}
	return seeds
}

// State returns the shared sink state.
func (r *Registry) State() *State { return r.state }

// OnClassified subscribes fn to every classification.
func (r *Registry) OnClassified(fn func(Classification)) {
	r.mu.Lock()
	r.observers = append(r.observers, fn)
	r.mu.Unlock()
}

func (r *Registry) notify(c Classification) {
	r.mu.RLock()
	observers := r.observers
	r.mu.RUnlock()
	for _, fn := range observers {
		fn(c)
	}
}

// SelectTracer picks the tracer for the enabled sinks and el.
func (r *Registry) SelectTracer(el *element.Element) (*Tracer, int, error) {
	r.mu.RLock()
	enabled := make(sinkSet, len(r.enabled))
	for s := range r.enabled {
		enabled[s] = struct{}{}
	}
	r.mu.RUnlock()
	return r.SelectTracerFor(enabled.sorted(), el)
}

// SelectTracerFor picks the tracer covering most of sinks; ties go to the
// cheapest one for el, then to registration order. It also returns the cost.
// Marker sinks only count when nothing in sinks needs probing.
func (r *Registry) SelectTracerFor(sinks []Sink, el *element.Element) (*Tracer, int, error) {
	want := newSinkSet(sinks...)
	if probed := want.probed(); len(probed) > 0 {
		want = probed
	}
	seeds := r.AuditSeeds()

	r.mu.RLock()
	candidates := make([]*Tracer, 0, len(r.order))
	for _, name := range r.order {
		candidates = append(candidates, r.tracers[name])
	}
	r.mu.RUnlock()

	var (
		best        *Tracer
		bestOverlap int
		bestCost    int
	)
	for _, t := range candidates {
		overlap := t.provides.overlap(want)
		if overlap == 0 {
			continue
		}
		cost := t.Cost(r, el, seeds)
		if best == nil || overlap > bestOverlap || (overlap == bestOverlap && cost < bestCost) {
			best, bestOverlap, bestCost = t, overlap, cost
		}
	}
	if best == nil {
		return nil, 0, ErrNoTracer
	}
	return best, bestCost, nil
}

// MarkCorrupted disables differential analysis against host.
func (r *Registry) MarkCorrupted(host string) {
	r.mu.Lock()
	r.corrupted[host] = struct{}{}
	r.mu.Unlock()
}

// Corrupted reports whether host was found too unstable for differential analysis.
func (r *Registry) Corrupted(host string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.corrupted[host]
	return ok
}

func hostOf(action string) string {
	u, err := url.Parse(action)
	if err != nil {
		return action
	}
	return u.Host
}

// Trace classifies the inputs of el. It returns false when nothing was
// traced: no sinks are enabled, or the cost exceeded the budget and the
// mutations were marked Override instead.
func (r *Registry) Trace(ctx context.Context, el *element.Element) (bool, error) {
	if len(r.Enabled()) == 0 {
		return false, nil
	}
	if r.state.Include(el, Traced) {
		return false, fmt.Errorf("%w: %s", ErrDuplicateTrace, el.CoverageID())
	}

	tracer, cost, err := r.SelectTracer(el)
	if err != nil {
		return false, err
	}

	logger := r.logger.With(zap.Object("element", el), zap.String("tracer", tracer.Name))
	if !r.AcceptableCost(cost) {
		logger.Debug("Cost too high, overriding.", zap.Int("cost", cost), zap.Int("max_cost", r.MaxCost()))
		tr := r.newTrace(tracer, el)
		var markErr error
		el.EachMutation(r.seed, element.MutationOptions{}, func(m *element.Element) {
			if err := tr.Mark(m, Override); err != nil && markErr == nil {
				markErr = err
			}
			tr.Classified(m)
		})
		return false, markErr
	}

	logger.Info("Running sink analysis.", zap.Int("cost", cost))
	if err := tracer.Run(ctx, r.newTrace(tracer, el)); err != nil {
		return true, err
	}
	return true, nil
}

// TraceOnce traces el unless another caller already claimed it, in which
// case it reports false without error.
func (r *Registry) TraceOnce(ctx context.Context, el *element.Element) (bool, error) {
	if len(el.DefaultInputs) == 0 || !r.state.Claim(el) {
		return false, nil
	}
	return r.Trace(ctx, el)
}

func (r *Registry) newTrace(t *Tracer, el *element.Element) *Trace {
	return &Trace{
		Registry: r,
		Tracer:   t,
		Element:  el,
		Seed:     r.seed,
		Seeds:    r.AuditSeeds(),
		logger:   r.logger.Named(t.Name),
	}
}

// Trace carries one tracer run.
type Trace struct {
	Registry *Registry
	Tracer   *Tracer
	Element  *element.Element
	// Seed is the value searched for in responses.
	Seed string
	// Seeds are the values injected.
	Seeds  []string
	logger *zap.Logger
}

// Mark records sinks for mutation m.
func (tr *Trace) Mark(m *element.Element, sinks ...Sink) error {
	for _, s := range sinks {
		if err := tr.Registry.state.Push(m, s); err != nil {
			return fmt.Errorf("%w: %s", err, m.CoverageID())
		}
	}
	return nil
}

// Classified publishes the current sinks of m to observers.
func (tr *Trace) Classified(m *element.Element) {
	per := tr.Registry.state.PerInput(m)
	tr.Registry.notify(Classification{
		Tracer:   tr.Tracer.Name,
		Mutation: m,
		Sinks:    per[m.AffectedInput()],
	})
}

// Logger is scoped to the running tracer.
func (tr *Trace) Logger() *zap.Logger { return tr.logger }

// Config exposes the tracing settings.
func (tr *Trace) Config() config.SinksConfig { return tr.Registry.cfg }

// Client is the submitter used for audits.
func (tr *Trace) Client() element.Submitter { return tr.Registry.client }

// logPerInput reports the sinks found on each input, the way operators read them.
func (tr *Trace) logPerInput() {
	for input, sinks := range tr.Registry.state.PerInput(tr.Element) {
		var names []string
		for _, s := range sinks {
			if s != Traced {
				names = append(names, strings.ReplaceAll(string(s), "_", " "))
			}
		}
		if len(names) == 0 {
			continue
		}
		tr.logger.Info("Input sinks classified.",
			zap.String("type", string(tr.Element.Type)),
			zap.String("input", input),
			zap.String("method", tr.Element.Method),
			zap.Strings("sinks", names),
			zap.String("action", tr.Element.Action))
	}
}
