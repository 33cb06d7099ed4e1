package pool

import (
	"context"
	"errors"
	"fmt"

	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/domscout/internal/browser"
	"github.com/xkilldash9x/domscout/internal/element"
	"github.com/xkilldash9x/domscout/internal/sinks"
)

const (
	KindDOMExploration    Kind = "dom_exploration"
	KindEventTrigger      Kind = "dom_exploration.event_trigger"
	KindTaintTrace        Kind = "taint_trace"
	KindTaintEventTrigger Kind = "taint_trace.event_trigger"
	KindSinkTrace         Kind = "sink_trace"
	KindDOMSinkTracer     Kind = "sink_trace.dom_sink_tracer"
	KindBrowserProvider   Kind = "browser_provider"
)

// stateKey identifies triggering one event on one page within scope, the
// job kind plus any taint, so exploring and taint tracing the same page do
// not suppress each other.
func stateKey(scope, resource string, t browser.EventTarget) uint64 {
	return murmur3.Sum64([]byte(scope + "\x00" + resource + "\x00" + t.Locator + "\x00" + t.Event))
}

// savePage delivers page and, when sink tracing is on, queues a sink trace
// for it under the same callback.
func savePage(x *Execution, page *browser.Page) {
	x.Emit(page)

	reg := x.Pool().sinks
	if reg == nil || len(reg.Enabled()) == 0 {
		return
	}
	if err := x.Queue(NewJob(&SinkTrace{Page: page}, Options{}), x.Callback()); err != nil {
		x.Logger().Debug("Could not queue sink trace.", zap.Error(err))
	}
}

// distributeEvents hands every event on resource not yet seen in scope to
// the pool as its own job.
func distributeEvents(ctx context.Context, x *Execution, scope, resource string) error {
	targets, err := x.Engine().TriggerableEvents(ctx)
	if err != nil {
		return err
	}
	for _, t := range targets {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if x.Skip(stateKey(scope, resource, t)) {
			continue
		}
		if !x.Worker().DistributeEvent(resource, t) {
			return nil
		}
	}
	return nil
}

// DOMExploration loads a resource and fans out its events.
type DOMExploration struct {
	Resource string
}

func (p *DOMExploration) Kind() Kind     { return KindDOMExploration }
func (p *DOMExploration) Clone() Payload { c := *p; return &c }

func (p *DOMExploration) Run(ctx context.Context, x *Execution) error {
	page, err := x.Engine().Load(ctx, p.Resource)
	if err != nil {
		return err
	}
	savePage(x, page)
	return distributeEvents(ctx, x, string(p.Kind()), page.URL)
}

func (p *DOMExploration) EventTrigger(resource string, target browser.EventTarget) Payload {
	return &EventTrigger{Resource: resource, Target: target}
}

func (p *DOMExploration) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("resource", p.Resource)
	return nil
}

// EventTrigger loads a resource and triggers one event on it.
type EventTrigger struct {
	Resource string
	Target   browser.EventTarget
}

func (p *EventTrigger) Kind() Kind     { return KindEventTrigger }
func (p *EventTrigger) Clone() Payload { c := *p; return &c }

func (p *EventTrigger) Run(ctx context.Context, x *Execution) error {
	if _, err := x.Engine().Load(ctx, p.Resource); err != nil {
		return err
	}
	page, err := x.Engine().TriggerEvent(ctx, p.Target)
	if err != nil {
		return err
	}
	savePage(x, page)
	return nil
}

func (p *EventTrigger) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("resource", p.Resource)
	enc.AddString("event", p.Target.String())
	return nil
}

// TaintTrace loads a resource with a taint armed and reports the pages
// where the taint surfaced. Injector is optional script run after load.
type TaintTrace struct {
	Resource string
	Taint    string
	Injector string
}

func (p *TaintTrace) Kind() Kind     { return KindTaintTrace }
func (p *TaintTrace) Clone() Payload { c := *p; return &c }

func (p *TaintTrace) Run(ctx context.Context, x *Execution) error {
	page, err := loadTainted(ctx, x.Engine(), p.Resource, p.Taint, p.Injector)
	if err != nil {
		return err
	}
	if len(page.TaintSinks) > 0 {
		x.Emit(page)
	}
	return distributeEvents(ctx, x, string(p.Kind())+"\x00"+p.Taint, page.URL)
}

func (p *TaintTrace) EventTrigger(resource string, target browser.EventTarget) Payload {
	return &TaintEventTrigger{Resource: resource, Target: target, Taint: p.Taint, Injector: p.Injector}
}

func (p *TaintTrace) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("resource", p.Resource)
	enc.AddString("taint", p.Taint)
	return nil
}

// TaintEventTrigger triggers one event with a taint armed.
type TaintEventTrigger struct {
	Resource string
	Target   browser.EventTarget
	Taint    string
	Injector string
}

func (p *TaintEventTrigger) Kind() Kind     { return KindTaintEventTrigger }
func (p *TaintEventTrigger) Clone() Payload { c := *p; return &c }

func (p *TaintEventTrigger) Run(ctx context.Context, x *Execution) error {
	if _, err := loadTainted(ctx, x.Engine(), p.Resource, p.Taint, p.Injector); err != nil {
		return err
	}
	page, err := x.Engine().TriggerEvent(ctx, p.Target)
	if err != nil {
		return err
	}
	if len(page.TaintSinks) > 0 {
		x.Emit(page)
	}
	return nil
}

func (p *TaintEventTrigger) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("resource", p.Resource)
	enc.AddString("event", p.Target.String())
	enc.AddString("taint", p.Taint)
	return nil
}

func loadTainted(ctx context.Context, e browser.Engine, resource, taint, injector string) (*browser.Page, error) {
	e.SetTaint(taint)
	page, err := e.Load(ctx, resource)
	if err != nil {
		return nil, err
	}
	if injector == "" {
		return page, nil
	}
	if _, err := e.RunScript(ctx, injector); err != nil {
		return nil, fmt.Errorf("injector: %w", err)
	}
	return e.Snapshot(ctx)
}

// SinkTrace queues a DOMSinkTracer for every element on Page that nobody
// has traced yet.
type SinkTrace struct {
	Page *browser.Page
}

func (p *SinkTrace) Kind() Kind       { return KindSinkTrace }
func (p *SinkTrace) Category() string { return CategoryCrawl }
func (p *SinkTrace) Clone() Payload   { c := *p; return &c }

func (p *SinkTrace) Run(ctx context.Context, x *Execution) error {
	reg := x.Pool().sinks
	if reg == nil {
		return nil
	}
	cb := x.Callback()
	for _, el := range p.Page.Elements {
		if len(el.DefaultInputs) == 0 || reg.State().Claimed(el) || reg.State().Include(el, sinks.Traced) {
			continue
		}
		job := NewJob(&DOMSinkTracer{Page: p.Page, Element: el}, Options{})
		if err := x.Queue(job, cb); err != nil {
			return err
		}
	}
	return nil
}

func (p *SinkTrace) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("url", p.Page.URL)
	return nil
}

// DOMSinkTracer traces a single element and returns its page tagged with
// the element's sink hash.
type DOMSinkTracer struct {
	Page    *browser.Page
	Element *element.Element
}

func (p *DOMSinkTracer) Kind() Kind       { return KindDOMSinkTracer }
func (p *DOMSinkTracer) Category() string { return CategoryCrawl }
func (p *DOMSinkTracer) Clone() Payload   { c := *p; return &c }

func (p *DOMSinkTracer) Run(ctx context.Context, x *Execution) error {
	reg := x.Pool().sinks
	if reg == nil {
		return nil
	}
	traced, err := reg.TraceOnce(ctx, p.Element.Dup())
	if errors.Is(err, sinks.ErrCorrupted) {
		x.Logger().Info("Host too unstable for differential analysis.", zap.String("action", p.Element.Action))
		return nil
	}
	if err != nil {
		return err
	}
	if !traced {
		return nil
	}
	x.EmitResult(&Result{Page: p.Page.Dup(), SinkTraceHash: p.Element.SinkHash()})
	return nil
}

func (p *DOMSinkTracer) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("url", p.Page.URL)
	return enc.AddObject("element", p.Element)
}

// BrowserProvider lends the worker's engine to Fn.
type BrowserProvider struct {
	Fn func(ctx context.Context, e browser.Engine) error
}

func (p *BrowserProvider) Kind() Kind     { return KindBrowserProvider }
func (p *BrowserProvider) Clone() Payload { c := *p; return &c }

func (p *BrowserProvider) Run(ctx context.Context, x *Execution) error {
	if p.Fn == nil {
		return nil
	}
	return p.Fn(ctx, x.Engine())
}
