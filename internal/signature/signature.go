// Package signature fingerprints response content so that noisy responses
// can be compared statistically. A Signature is the set of hashed word tokens
// of a body; refining it against further samples of the same resource strips
// volatile content (timestamps, counters, nonces) and converges on what is
// structurally constant.
package signature

import (
	"errors"
	"sort"
	"strings"

	"github.com/spaolacci/murmur3"
)

// ErrTooFewSignatures is returned by the package-level helpers when they are
// handed less than two signatures to work with.
var ErrTooFewSignatures = errors.New("signature: at least two signatures are required")

// Signature is an immutable set of token hashes. The zero value is empty.
type Signature struct {
	tokens map[uint64]struct{}
}

// New tokenizes data into a Signature.
func New(data string) *Signature {
	return &Signature{tokens: tokenize(data)}
}

// isWord mirrors the \w character class: ASCII letters, digits and underscore.
func isWord(r rune) bool {
	return r == '_' ||
		(r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9')
}

func tokenize(data string) map[uint64]struct{} {
	fields := strings.FieldsFunc(data, func(r rune) bool { return !isWord(r) })
	tokens := make(map[uint64]struct{}, len(fields))
	for _, f := range fields {
		tokens[murmur3.Sum64([]byte(f))] = struct{}{}
	}
	return tokens
}

// Len returns the number of distinct tokens.
func (s *Signature) Len() int {
	if s == nil {
		return 0
	}
	return len(s.tokens)
}

// Empty reports whether no tokens survived.
func (s *Signature) Empty() bool { return s.Len() == 0 }

// Refine returns a new signature holding only the tokens s shares with data.
func (s *Signature) Refine(data string) *Signature {
	return s.RefineWith(&Signature{tokens: tokenize(data)})
}

// RefineWith returns the intersection of s and other.
func (s *Signature) RefineWith(other *Signature) *Signature {
	out := &Signature{tokens: make(map[uint64]struct{})}
	if s == nil || other == nil {
		return out
	}
	small, large := s.tokens, other.tokens
	if len(large) < len(small) {
		small, large = large, small
	}
	for t := range small {
		if _, ok := large[t]; ok {
			out.tokens[t] = struct{}{}
		}
	}
	return out
}

// Merge returns a new signature holding the tokens of both s and data.
func (s *Signature) Merge(data string) *Signature {
	out := s.clone()
	for t := range tokenize(data) {
		out.tokens[t] = struct{}{}
	}
	return out
}

func (s *Signature) clone() *Signature {
	out := &Signature{tokens: make(map[uint64]struct{}, s.Len())}
	if s != nil {
		for t := range s.tokens {
			out.tokens[t] = struct{}{}
		}
	}
	return out
}

// Equal reports whether both signatures hold exactly the same tokens.
func (s *Signature) Equal(other *Signature) bool {
	if s.Len() != other.Len() {
		return false
	}
	if s.Len() == 0 {
		return true
	}
	for t := range s.tokens {
		if _, ok := other.tokens[t]; !ok {
			return false
		}
	}
	return true
}

// Differences returns the ratio |A∆B| / |A∪B| in the range [0, 1].
// A nil other is maximally different.
func (s *Signature) Differences(other *Signature) float64 {
	if other == nil {
		return 1
	}
	if s.Equal(other) {
		return 0
	}

	shared := s.RefineWith(other).Len()
	union := s.Len() + other.Len() - shared
	return float64(union-shared) / float64(union)
}

// Similar reports whether the differences between s and other are within threshold.
func (s *Signature) Similar(other *Signature, threshold float64) bool {
	return s.Equal(other) || s.Differences(other) <= threshold
}

// Hashes returns the sorted token hashes, for persistence and debugging.
func (s *Signature) Hashes() []uint64 {
	out := make([]uint64, 0, s.Len())
	if s != nil {
		for t := range s.tokens {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FromHashes rebuilds a signature from the output of Hashes.
func FromHashes(hashes []uint64) *Signature {
	out := &Signature{tokens: make(map[uint64]struct{}, len(hashes))}
	for _, h := range hashes {
		out.tokens[h] = struct{}{}
	}
	return out
}

// Refine intersects all given signatures.
func Refine(sigs ...*Signature) (*Signature, error) {
	if len(sigs) < 2 {
		return nil, ErrTooFewSignatures
	}
	out := sigs[0].clone()
	for _, s := range sigs[1:] {
		out = out.RefineWith(s)
	}
	return out, nil
}

// Similar reports whether the first signature is within threshold of every other one.
func Similar(threshold float64, sigs ...*Signature) (bool, error) {
	if len(sigs) < 2 {
		return false, ErrTooFewSignatures
	}
	root := sigs[0]
	for _, s := range sigs[1:] {
		if !root.Similar(s, threshold) {
			return false, nil
		}
	}
	return true, nil
}
