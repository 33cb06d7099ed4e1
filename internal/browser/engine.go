// Package browser drives real browser processes on behalf of pool workers.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/xkilldash9x/domscout/internal/element"
)

// ErrTransport wraps failures talking to the browser process (broken CDP
// connection, crashed target, navigation aborted by the engine). Workers
// retry jobs that fail with it.
var ErrTransport = errors.New("browser: transport failure")

// Spawn failure causes. They are fatal for one reboot attempt only.
var (
	ErrExecutableMissing = errors.New("browser executable not found")
	ErrNotExecutable     = errors.New("browser executable is not executable")
	ErrVersionMismatch   = errors.New("browser version is not supported")
)

// SpawnError reports why a browser process could not be started.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("browser: spawn failed: %v", e.Err)
	}
	return fmt.Sprintf("browser: spawn %s failed: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// EventTarget identifies an element and one of the events it reacts to.
type EventTarget struct {
	Locator string `json:"locator"`
	Event   string `json:"event"`
}

func (t EventTarget) String() string { return t.Event + "@" + t.Locator }

// Capture is a request the browser sent while a job was running.
type Capture struct {
	Method string      `json:"method"`
	URL    string      `json:"url"`
	Header http.Header `json:"header,omitempty"`
	Body   string      `json:"body,omitempty"`
}

// Page is a snapshot of the DOM after a load or an event.
type Page struct {
	URL      string             `json:"url"`
	Title    string             `json:"title,omitempty"`
	DOM      string             `json:"-"`
	Links    []string           `json:"links,omitempty"`
	Elements []*element.Element `json:"-"`
	Events   []EventTarget      `json:"events,omitempty"`
	Captures []Capture          `json:"captures,omitempty"`
	// TaintSinks lists where the active taint showed up: DOM excerpts and
	// URLs of outgoing requests that carried it.
	TaintSinks []string `json:"taint_sinks,omitempty"`
	// Transition is the event that produced this snapshot, if any.
	Transition *EventTarget `json:"transition,omitempty"`
}

// Dup returns a shallow copy that can be annotated without touching p.
func (p *Page) Dup() *Page {
	c := *p
	c.Links = append([]string(nil), p.Links...)
	c.Elements = append([]*element.Element(nil), p.Elements...)
	c.Events = append([]EventTarget(nil), p.Events...)
	c.Captures = append([]Capture(nil), p.Captures...)
	c.TaintSinks = append([]string(nil), p.TaintSinks...)
	return &c
}

// Engine is one live browser process.
type Engine interface {
	// Load navigates to url and snapshots the resulting DOM.
	Load(ctx context.Context, url string) (*Page, error)
	// Snapshot re-reads the current DOM without navigating.
	Snapshot(ctx context.Context) (*Page, error)
	RunScript(ctx context.Context, js string) (any, error)
	TriggerableEvents(ctx context.Context) ([]EventTarget, error)
	TriggerEvent(ctx context.Context, target EventTarget) (*Page, error)
	// SetTaint arms the request interceptor and the DOM scan with a marker.
	// An empty taint disarms both.
	SetTaint(taint string)
	// Reset drops per-job state: taint, captured requests and the loaded page.
	Reset(ctx context.Context) error
	Pid() int
	Alive() bool
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	Close() error
}

// Spawner starts a fresh engine. Failures should be *SpawnError values.
type Spawner func(ctx context.Context) (Engine, error)

// combineContext derives from primary, which carries the CDP target, and is
// also cancelled when secondary is done.
func combineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(primary)
	stop := context.AfterFunc(secondary, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
