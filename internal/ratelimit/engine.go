package ratelimit

import "context"

// Engine evaluates a request against a set of Rules using one Limiter
// backend.
type Engine struct {
	Limiter Limiter
	Rules   []Rule
}

func NewEngine(l Limiter, rules []Rule) *Engine {
	return &Engine{Limiter: l, Rules: rules}
}

// CheckAll evaluates every non-skipped rule; the overall decision is the
// first denial encountered. If none deny, Remaining is the minimum
// remaining over all evaluated rules (most-restrictive).
func (e *Engine) CheckAll(ctx context.Context, v Values, skip func(Rule) bool) (Decision, error) {
	haveAny := false
	var minRemaining Decision
	for _, rule := range e.Rules {
		if skip != nil && skip(rule) {
			continue
		}
		key := rule.Key(v)
		dec, err := e.Limiter.Check(ctx, key, rule.Limit, rule.WindowMS)
		if err != nil {
			return Decision{}, err
		}
		if !dec.Allowed {
			return dec, nil
		}
		if !haveAny || dec.Remaining < minRemaining.Remaining {
			minRemaining = dec
			haveAny = true
		}
	}
	if !haveAny {
		return Decision{Allowed: true}, nil
	}
	return minRemaining, nil
}
