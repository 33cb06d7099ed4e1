// Package sinks classifies where, and whether, a value injected into an
// element's input surfaces in or affects the responses it produces.
package sinks

import (
	"errors"
	"sort"
)

// Sink is one classification an input can carry.
type Sink string

const (
	// Body means the seed was found in the response body.
	Body Sink = "body"
	// HeaderName means the seed was found in a response header name.
	HeaderName Sink = "header_name"
	// HeaderValue means the seed was found in a response header value.
	HeaderValue Sink = "header_value"
	// Active means the response changes with the input's value.
	Active Sink = "active"
	// Blind means no effect of the input could be established.
	Blind Sink = "blind"
	// Traced means a classification pass completed for the input.
	Traced Sink = "traced"
	// Override means tracing was skipped because it cost too much.
	Override Sink = "override"
)

var (
	ErrInvalidSink = errors.New("sinks: unsupported sink")
	// ErrDuplicateTrace is returned when an element that was already traced
	// in this pass is traced again.
	ErrDuplicateTrace = errors.New("sinks: duplicate trace")
	ErrNonMutation    = errors.New("sinks: cannot set sinks for a non-mutation")
	ErrMissingCost    = errors.New("sinks: tracer has no cost function")
	ErrInvalidTracer  = errors.New("sinks: invalid tracer registration")
	ErrNoTracer       = errors.New("sinks: no tracer covers the enabled sinks")
	// ErrCorrupted is returned by the differential tracer when the host's
	// default responses are too chaotic to compare.
	ErrCorrupted = errors.New("sinks: responses too unstable for differential analysis")
)

type sinkSet map[Sink]struct{}

func newSinkSet(sinks ...Sink) sinkSet {
	s := make(sinkSet, len(sinks))
	for _, sink := range sinks {
		s[sink] = struct{}{}
	}
	return s
}

func (s sinkSet) has(sink Sink) bool {
	_, ok := s[sink]
	return ok
}

func (s sinkSet) overlap(other sinkSet) int {
	n := 0
	for sink := range s {
		if other.has(sink) {
			n++
		}
	}
	return n
}

// markerSinks are recorded by classification, never probed for.
var markerSinks = newSinkSet(Blind, Traced, Override)

// probed returns the sinks in s that need requests to establish.
func (s sinkSet) probed() sinkSet {
	out := make(sinkSet, len(s))
	for sink := range s {
		if !markerSinks.has(sink) {
			out[sink] = struct{}{}
		}
	}
	return out
}

func (s sinkSet) sorted() []Sink {
	out := make([]Sink, 0, len(s))
	for sink := range s {
		out = append(out, sink)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
