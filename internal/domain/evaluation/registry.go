package evaluation

import (
	"context"
	"fmt"
)

// Rule is one clinical decision rule. Implementations must be safe for
// concurrent use and must treat the context as read-only; a rule that
// returns (nil, nil) simply did not fire.
type Rule interface {
	// ID is the stable identifier used in alerts, timings and metrics.
	ID() string
	// Applicable is a cheap pre-filter: only applicable rules are scheduled.
	Applicable(ec *EvaluationContext) bool
	// Evaluate runs the rule. It must honor ctx cancellation on any
	// blocking work.
	Evaluate(ctx context.Context, ec *EvaluationContext) (*Alert, error)
}

// Registry holds the rule set. Rules are registered at startup, before the
// engine serves requests, so lookups need no locking.
type Registry struct {
	rules []Rule
	byID  map[string]Rule
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]Rule)}
}

// Register adds a rule. Duplicate IDs are rejected so two rules can never
// contend for the same attribution in timings and alerts.
func (r *Registry) Register(rule Rule) error {
	id := rule.ID()
	if id == "" {
		return fmt.Errorf("rule has empty id")
	}
	if _, dup := r.byID[id]; dup {
		return fmt.Errorf("rule %q already registered", id)
	}
	r.byID[id] = rule
	r.rules = append(r.rules, rule)
	return nil
}

// MustRegister registers rules and panics on error. Startup use only.
func (r *Registry) MustRegister(rules ...Rule) {
	for _, rule := range rules {
		if err := r.Register(rule); err != nil {
			panic(err)
		}
	}
}

// Applicable returns the rules whose pre-filter accepts ec, in registration
// order.
func (r *Registry) Applicable(ec *EvaluationContext) []Rule {
	var out []Rule
	for _, rule := range r.rules {
		if rule.Applicable(ec) {
			out = append(out, rule)
		}
	}
	return out
}

func (r *Registry) Len() int { return len(r.rules) }
