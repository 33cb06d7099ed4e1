package sinks

import (
	"sort"
	"sync"

	"github.com/xkilldash9x/domscout/internal/element"
)

// State records, per element sink hash, which inputs carry which sinks.
// A single State is shared by every tracer of a scan.
type State struct {
	mu     sync.RWMutex
	sinks  map[uint64]map[Sink]map[string]struct{}
	claims map[uint64]struct{}
}

// Entry is one (element, sink, input) fact, the unit of persistence.
type Entry struct {
	SinkHash uint64 `json:"sink_hash"`
	Sink     Sink   `json:"sink"`
	Input    string `json:"input"`
}

func NewState() *State {
	return &State{
		sinks:  make(map[uint64]map[Sink]map[string]struct{}),
		claims: make(map[uint64]struct{}),
	}
}

// Push records sink for the mutation's affected input.
func (s *State) Push(m *element.Element, sink Sink) error {
	if !m.IsMutation() || m.AffectedInput() == "" {
		return ErrNonMutation
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.push(m.SinkHash(), sink, m.AffectedInput())
	return nil
}

func (s *State) push(hash uint64, sink Sink, input string) {
	bySink, ok := s.sinks[hash]
	if !ok {
		bySink = make(map[Sink]map[string]struct{})
		s.sinks[hash] = bySink
	}
	inputs, ok := bySink[sink]
	if !ok {
		inputs = make(map[string]struct{})
		bySink[sink] = inputs
	}
	inputs[input] = struct{}{}
}

// Get returns the sorted inputs of el that carry sink.
func (s *State) Get(el *element.Element, sink Sink) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inputs := s.sinks[el.SinkHash()][sink]
	out := make([]string, 0, len(inputs))
	for in := range inputs {
		out = append(out, in)
	}
	sort.Strings(out)
	return out
}

// Include reports whether a mutation's affected input carries sink, or for a
// plain element, whether any of its inputs does.
func (s *State) Include(el *element.Element, sink Sink) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inputs := s.sinks[el.SinkHash()][sink]
	if el.IsMutation() {
		_, ok := inputs[el.AffectedInput()]
		return ok
	}
	return len(inputs) > 0
}

// PerInput maps every input of el to the sinks it carries.
func (s *State) PerInput(el *element.Element) map[string][]Sink {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bySink := s.sinks[el.SinkHash()]

	out := make(map[string][]Sink, len(el.DefaultInputs))
	for _, input := range el.InputNames() {
		found := newSinkSet()
		for sink, inputs := range bySink {
			if _, ok := inputs[input]; ok {
				found[sink] = struct{}{}
			}
		}
		out[input] = found.sorted()
	}
	return out
}

// Claim lets exactly one caller take responsibility for tracing el.
func (s *State) Claim(el *element.Element) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash := el.SinkHash()
	if _, taken := s.claims[hash]; taken {
		return false
	}
	s.claims[hash] = struct{}{}
	return true
}

// Claimed reports whether el is being, or has been, traced.
func (s *State) Claimed(el *element.Element) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, taken := s.claims[el.SinkHash()]
	return taken
}

// Len returns the number of elements with recorded sinks.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sinks)
}

// Snapshot flattens the state for persistence, in a stable order.
func (s *State) Snapshot() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for hash, bySink := range s.sinks {
		for sink, inputs := range bySink {
			for in := range inputs {
				out = append(out, Entry{SinkHash: hash, Sink: sink, Input: in})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SinkHash != out[j].SinkHash {
			return out[i].SinkHash < out[j].SinkHash
		}
		if out[i].Sink != out[j].Sink {
			return out[i].Sink < out[j].Sink
		}
		return out[i].Input < out[j].Input
	})
	return out
}

// Restore merges previously snapshotted entries into the state.
func (s *State) Restore(entries []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.push(e.SinkHash, e.Sink, e.Input)
	}
}

// Clear drops all recorded sinks and claims.
func (s *State) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = make(map[uint64]map[Sink]map[string]struct{})
	s.claims = make(map[uint64]struct{})
}
