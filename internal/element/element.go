// Package element models the auditable inputs found on a page (links, forms,
// cookies and headers) and the mutations derived from them by replacing one
// input's value with a seed.
package element

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/spaolacci/murmur3"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/domscout/internal/httpclient"
)

// Type identifies where an element's inputs travel in a request.
type Type string

const (
	Link   Type = "link"
	Form   Type = "form"
	Cookie Type = "cookie"
	Header Type = "header"
)

// Submitter sends a request and returns the complete response.
type Submitter interface {
	Do(ctx context.Context, req *httpclient.Request) (*httpclient.Response, error)
}

// Element is a set of named inputs submitted together to an action URL.
// A mutation is an Element with exactly one input (the affected one) replaced
// by a seed, or a form submitted with generated sample values.
type Element struct {
	Type   Type              `json:"type"`
	Action string            `json:"action"`
	Method string            `json:"method"`
	Inputs map[string]string `json:"inputs"`
	// DefaultInputs are the values the element was discovered with.
	DefaultInputs map[string]string `json:"default_inputs,omitempty"`

	affected     string
	seed         string
	sampleValues bool
}

// New returns an element whose default inputs are a copy of inputs.
func New(typ Type, action, method string, inputs map[string]string) *Element {
	if method == "" {
		method = http.MethodGet
	}
	return &Element{
		Type:          typ,
		Action:        action,
		Method:        strings.ToUpper(method),
		Inputs:        copyInputs(inputs),
		DefaultInputs: copyInputs(inputs),
	}
}

func copyInputs(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Dup returns a deep copy.
func (e *Element) Dup() *Element {
	c := *e
	c.Inputs = copyInputs(e.Inputs)
	c.DefaultInputs = copyInputs(e.DefaultInputs)
	return &c
}

// IsMutation reports whether e was produced by EachMutation.
func (e *Element) IsMutation() bool { return e.affected != "" || e.sampleValues }

// AffectedInput is the name of the input carrying the seed, empty for
// non-mutations and sample-value mutations.
func (e *Element) AffectedInput() string { return e.affected }

// Seed is the value injected into the affected input.
func (e *Element) Seed() string { return e.seed }

// WithSampleValues reports a form mutation that fills every input with a
// generated sample rather than a seed.
func (e *Element) WithSampleValues() bool { return e.sampleValues }

// InputNames returns the sorted names of the default inputs.
func (e *Element) InputNames() []string {
	names := make([]string, 0, len(e.DefaultInputs))
	for k := range e.DefaultInputs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// SinkID identifies the element's share of the input surface.
// Input values are not part of it.
func (e *Element) SinkID() string {
	return fmt.Sprintf("%s:%s:%s", e.Action, e.Type, strings.Join(e.InputNames(), ","))
}

// SinkHash is a persistent digest of SinkID; mutations share it with their parent.
func (e *Element) SinkHash() uint64 {
	return murmur3.Sum64([]byte(e.SinkID()))
}

// CoverageID is like SinkID but also takes the method into account.
func (e *Element) CoverageID() string {
	return fmt.Sprintf("%s:%s:%s:%s", e.Action, e.Type, e.Method, strings.Join(e.InputNames(), ","))
}

// MutableHash distinguishes mutations of the same element from one another,
// ignoring the seed so that repeated samples of the same input collapse.
func (e *Element) MutableHash() uint64 {
	key := fmt.Sprintf("%s:%s:%t", e.CoverageID(), e.affected, e.sampleValues)
	return murmur3.Sum64([]byte(key))
}

func (e *Element) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("type", string(e.Type))
	enc.AddString("action", e.Action)
	enc.AddString("method", e.Method)
	enc.AddString("inputs", strings.Join(e.InputNames(), ","))
	if e.affected != "" {
		enc.AddString("affected_input", e.affected)
	}
	return nil
}

// MutationOptions controls which mutations EachMutation yields.
type MutationOptions struct {
	// SampleValues adds, for forms, one mutation with every input set to a
	// generated sample value.
	SampleValues bool
}

// EachMutation calls fn with one mutation per input, in input name order,
// each with that input's value replaced by seed.
func (e *Element) EachMutation(seed string, opts MutationOptions, fn func(*Element)) {
	for _, name := range e.InputNames() {
		m := e.Dup()
		m.Inputs = copyInputs(e.DefaultInputs)
		m.Inputs[name] = seed
		m.affected = name
		m.seed = seed
		fn(m)
	}

	if opts.SampleValues && e.Type == Form && len(e.DefaultInputs) > 0 {
		m := e.Dup()
		m.Inputs = make(map[string]string, len(e.DefaultInputs))
		for _, name := range e.InputNames() {
			m.Inputs[name] = sampleValue(name, e.DefaultInputs[name])
		}
		m.seed = seed
		m.sampleValues = true
		fn(m)
	}
}

// Mutations collects EachMutation into a slice.
func (e *Element) Mutations(seed string, opts MutationOptions) []*Element {
	var out []*Element
	e.EachMutation(seed, opts, func(m *Element) { out = append(out, m) })
	return out
}

// MutationCount is how many submissions one audit with seeds would take.
func (e *Element) MutationCount(seeds int, opts MutationOptions) int {
	per := len(e.DefaultInputs)
	if opts.SampleValues && e.Type == Form && per > 0 {
		per++
	}
	return per * seeds
}

// sampleValue guesses a plausible value for a form input from its name.
func sampleValue(name, current string) string {
	if current != "" {
		return current
	}
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "mail"):
		return "domscout@example.com"
	case strings.Contains(n, "phone"), strings.Contains(n, "tel"):
		return "5555551234"
	case strings.Contains(n, "zip"), strings.Contains(n, "postal"):
		return "10001"
	case strings.Contains(n, "url"), strings.Contains(n, "site"):
		return "http://example.com/"
	case strings.Contains(n, "pass"):
		return "5543!%domscout_secret"
	case strings.Contains(n, "age"), strings.Contains(n, "num"), strings.Contains(n, "id"):
		return "1"
	}
	return "domscout"
}

// Request converts the element into an HTTP request.
func (e *Element) Request() *httpclient.Request {
	req := &httpclient.Request{Method: e.Method, URL: e.Action}
	values := url.Values{}
	for k, v := range e.Inputs {
		values.Set(k, v)
	}

	switch e.Type {
	case Link:
		req.Method = http.MethodGet
		req.Query = values
	case Form:
		if e.Method == http.MethodGet {
			req.Query = values
		} else {
			req.Form = values
		}
	case Cookie:
		cookies := make([]string, 0, len(e.Inputs))
		for _, name := range sortedKeys(e.Inputs) {
			cookies = append(cookies, (&http.Cookie{Name: name, Value: e.Inputs[name]}).String())
		}
		req.Headers = http.Header{"Cookie": {strings.Join(cookies, "; ")}}
	case Header:
		req.Headers = make(http.Header, len(e.Inputs))
		for k, v := range e.Inputs {
			req.Headers.Set(k, v)
		}
	}
	return req
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Submit sends the element as is.
func (e *Element) Submit(ctx context.Context, s Submitter) (*httpclient.Response, error) {
	return s.Do(ctx, e.Request())
}

// AuditFunc receives each response together with the mutation that caused it.
// Calls are serialized.
type AuditFunc func(resp *httpclient.Response, mutation *Element)

// Audit submits every mutation for seed, at most concurrency at a time, and
// returns once all of them have been handled or the first one failed.
func (e *Element) Audit(ctx context.Context, s Submitter, seed string, opts MutationOptions, concurrency int, fn AuditFunc) error {
	g, gctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}

	var mu sync.Mutex
	for _, m := range e.Mutations(seed, opts) {
		m := m
		g.Go(func() error {
			resp, err := m.Submit(gctx, s)
			if err != nil {
				return fmt.Errorf("auditing input %q of %s: %w", m.affected, e.Action, err)
			}
			mu.Lock()
			defer mu.Unlock()
			fn(resp, m)
			return nil
		})
	}
	return g.Wait()
}
