package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/domscout/internal/element"
	"github.com/xkilldash9x/domscout/internal/httpclient"
	"github.com/xkilldash9x/domscout/internal/signature"
)

// Sample-value form mutations are submitted so the application sees a
// complete submission, but their responses are not analysed.
var differentialOptions = element.MutationOptions{SampleValues: true}

// DifferentialTracer decides whether an input affects the response at all by
// comparing refined signatures of default and seeded submissions.
func DifferentialTracer() Tracer {
	return Tracer{
		Name:  "differential",
		Sinks: []Sink{Active, Body, HeaderName, HeaderValue},
		Cost: func(r *Registry, el *element.Element, seeds []string) int {
			cost := 0
			for range seeds {
				cost += 1 + el.MutationCount(len(seeds), differentialOptions)
			}
			return cost * r.cfg.Precision
		},
		Run: runDifferential,
	}
}

type mutationSamples struct {
	mutation   *element.Element
	signatures []*signature.Signature
}

func runDifferential(ctx context.Context, tr *Trace) error {
	host := hostOf(tr.Element.Action)
	if tr.Registry.Corrupted(host) {
		tr.Logger().Debug("Host is unstable, skipping differential analysis.", zap.String("host", host))
		return fmt.Errorf("%w: %s", ErrCorrupted, host)
	}

	attempts := tr.Config().CorruptedRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		defaults, samples, err := collectSamples(ctx, tr)
		if err != nil {
			return err
		}

		stable, err := signature.Similar(tr.Config().DifferenceThreshold, defaults...)
		if err != nil {
			return err
		}
		if !stable {
			tr.Logger().Debug("Default responses differ, sampling again.",
				zap.Int("attempt", attempt), zap.String("host", host))
			continue
		}
		return classify(tr, defaults, samples)
	}

	tr.Registry.MarkCorrupted(host)
	tr.Logger().Warn("Host responses are too unstable for differential analysis.",
		zap.String("host", host), zap.Object("element", tr.Element))
	return fmt.Errorf("%w: %s", ErrCorrupted, host)
}

// collectSamples submits the element unmodified and every mutation, precision
// times each, and returns the signatures keyed by mutation.
func collectSamples(ctx context.Context, tr *Trace) ([]*signature.Signature, map[uint64]*mutationSamples, error) {
	precision := tr.Config().Precision
	defaults := make([]*signature.Signature, 0, precision)
	samples := make(map[uint64]*mutationSamples)

	var markErr error
	for i := 0; i < precision; i++ {
		resp, err := tr.Element.Submit(ctx, tr.Client())
		if err != nil {
			return nil, nil, fmt.Errorf("submitting default %s: %w", tr.Element.Action, err)
		}
		defaults = append(defaults, signature.New(resp.Body))

		for _, seed := range tr.Seeds {
			err := tr.Element.Audit(ctx, tr.Client(), seed, differentialOptions, tr.Config().Concurrency,
				func(resp *httpclient.Response, m *element.Element) {
					if m.WithSampleValues() {
						return
					}
					// Reflection is cheap to look for, so do it on every sample.
					if err := FindSinks(tr, tr.Seed, m, resp); err != nil && markErr == nil {
						markErr = err
					}
					k := m.MutableHash()
					s, ok := samples[k]
					if !ok {
						s = &mutationSamples{mutation: m}
						samples[k] = s
					}
					s.signatures = append(s.signatures, signature.New(resp.Body))
				})
			if err != nil {
				return nil, nil, err
			}
		}
	}
	return defaults, samples, markErr
}

func classify(tr *Trace, defaults []*signature.Signature, samples map[uint64]*mutationSamples) error {
	base, err := signature.Refine(defaults...)
	if err != nil {
		return err
	}

	for _, s := range samples {
		sink := Active
		if refined, err := signature.Refine(s.signatures...); err == nil && base.Equal(refined) {
			// The input has no effect on the page; timing checks still want it.
			sink = Blind
		}
		if err := tr.Mark(s.mutation, Traced, sink); err != nil {
			return err
		}
		tr.Classified(s.mutation)
	}
	tr.logPerInput()
	return nil
}
