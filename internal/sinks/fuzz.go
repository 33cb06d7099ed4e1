package sinks

import (
	"context"
	"regexp"

	"github.com/xkilldash9x/domscout/internal/element"
	"github.com/xkilldash9x/domscout/internal/httpclient"
)

var fuzzOptions = element.MutationOptions{}

// FuzzTracer injects the seed once per input and looks for it, verbatim, in
// the response body and headers.
func FuzzTracer() Tracer {
	return Tracer{
		Name:  "fuzz",
		Sinks: []Sink{Body, HeaderName, HeaderValue},
		Cost: func(_ *Registry, el *element.Element, seeds []string) int {
			return el.MutationCount(len(seeds), fuzzOptions)
		},
		Run: runFuzz,
	}
}

func runFuzz(ctx context.Context, tr *Trace) error {
	var markErr error
	for _, seed := range tr.Seeds {
		err := tr.Element.Audit(ctx, tr.Client(), seed, fuzzOptions, tr.Config().Concurrency,
			func(resp *httpclient.Response, m *element.Element) {
				if err := FindSinks(tr, tr.Seed, m, resp); err != nil && markErr == nil {
					markErr = err
				}
				if err := tr.Mark(m, Traced); err != nil && markErr == nil {
					markErr = err
				}
				tr.Classified(m)
			})
		if err != nil {
			return err
		}
	}
	if markErr != nil {
		return markErr
	}
	tr.logPerInput()
	return nil
}

// FindSinks marks the parts of resp that reflect seed, case-insensitively.
func FindSinks(tr *Trace, seed string, m *element.Element, resp *httpclient.Response) error {
	re, err := regexp.Compile("(?i)" + regexp.QuoteMeta(seed))
	if err != nil {
		return err
	}

	var found []Sink
	if re.MatchString(resp.Body) {
		found = append(found, Body)
	}
	nameHit, valueHit := false, false
	for name, values := range resp.Headers {
		if !nameHit && re.MatchString(name) {
			nameHit = true
		}
		for _, v := range values {
			if !valueHit && re.MatchString(v) {
				valueHit = true
			}
		}
	}
	if nameHit {
		found = append(found, HeaderName)
	}
	if valueHit {
		found = append(found, HeaderValue)
	}
	if len(found) == 0 {
		return nil
	}
	return tr.Mark(m, found...)
}
