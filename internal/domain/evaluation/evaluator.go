package evaluation

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cds/cds/internal/platform/telemetry"
)

// Evaluator runs applicable rules concurrently with fault isolation: a rule
// that fails, panics or hangs affects only its own slot. Results are
// assembled in rule order so output is deterministic even though completion
// order is not.
type Evaluator struct {
	metrics        *telemetry.Collector
	logger         zerolog.Logger
	perRuleTimeout time.Duration
	slowThreshold  time.Duration
}

// Result is the settled output of one evaluation pass.
type Result struct {
	Alerts  []*Alert
	Timings []RuleTiming
}

func NewEvaluator(metrics *telemetry.Collector, logger zerolog.Logger, perRuleTimeout, slowThreshold time.Duration) *Evaluator {
	return &Evaluator{
		metrics:        metrics,
		logger:         logger.With().Str("component", "evaluator").Logger(),
		perRuleTimeout: perRuleTimeout,
		slowThreshold:  slowThreshold,
	}
}

type ruleResult struct {
	index    int
	alert    *Alert
	err      error
	timedOut bool
	duration time.Duration
}

// Evaluate schedules every rule on its own goroutine and waits for all of
// them, or until ctx expires. On a caller deadline it returns what has
// settled; rules still in flight get a timeout timing and their goroutines
// finish in the background against a buffered channel.
func (e *Evaluator) Evaluate(ctx context.Context, rules []Rule, ec *EvaluationContext) Result {
	n := len(rules)
	if n == 0 {
		return Result{}
	}

	results := make(chan ruleResult, n)
	started := time.Now()
	for i, rule := range rules {
		go e.runRule(ctx, i, rule, ec, results)
	}

	settled := make([]*ruleResult, n)
	received := 0
collect:
	for received < n {
		select {
		case res := <-results:
			settled[res.index] = &res
			received++
		case <-ctx.Done():
			break collect
		}
	}
	// When the deadline and a delivery are ready at the same instant the
	// select above may take the deadline branch. Sweep anything already
	// delivered before labelling the remaining slots unsettled.
	received = drainDelivered(results, settled, received)

	out := Result{Timings: make([]RuleTiming, 0, n)}
	for i, rule := range rules {
		res := settled[i]
		if res == nil {
			// Caller deadline hit before this rule settled.
			elapsed := time.Since(started)
			out.Timings = append(out.Timings, RuleTiming{
				RuleID:     rule.ID(),
				DurationMs: elapsed.Milliseconds(),
				Outcome:    OutcomeTimeout,
				Error:      context.DeadlineExceeded.Error(),
			})
			e.metrics.RecordRuleTiming(rule.ID(), elapsed, true)
			e.logger.Warn().Str("rule_id", rule.ID()).Msg("rule abandoned at request deadline")
			continue
		}
		out.Timings = append(out.Timings, e.settle(rule, res))
		if res.err == nil && res.alert != nil {
			out.Alerts = append(out.Alerts, res.alert)
		}
	}
	return out
}

// drainDelivered takes every result already buffered in results without
// blocking, recording each in settled, and returns the updated count.
func drainDelivered(results <-chan ruleResult, settled []*ruleResult, received int) int {
	for received < len(settled) {
		select {
		case res := <-results:
			settled[res.index] = &res
			received++
		default:
			return received
		}
	}
	return received
}

// runRule executes one rule under its own timeout, converting panics to
// errors. The inner goroutine lets a rule that ignores its context be
// abandoned without blocking the evaluation.
func (e *Evaluator) runRule(ctx context.Context, index int, rule Rule, ec *EvaluationContext, results chan<- ruleResult) {
	rctx, cancel := context.WithTimeout(ctx, e.perRuleTimeout)
	defer cancel()

	done := make(chan ruleResult, 1)
	started := time.Now()
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- ruleResult{err: fmt.Errorf("panic: %v", p), duration: time.Since(started)}
			}
		}()
		alert, err := rule.Evaluate(rctx, ec)
		done <- ruleResult{alert: alert, err: err, duration: time.Since(started)}
	}()

	select {
	case res := <-done:
		res.index = index
		results <- res
	case <-rctx.Done():
		results <- ruleResult{
			index:    index,
			err:      rctx.Err(),
			timedOut: true,
			duration: time.Since(started),
		}
	}
}

func (e *Evaluator) settle(rule Rule, res *ruleResult) RuleTiming {
	timing := RuleTiming{
		RuleID:     rule.ID(),
		DurationMs: res.duration.Milliseconds(),
		Outcome:    OutcomeSuccess,
	}
	failed := false
	switch {
	case res.timedOut:
		timing.Outcome = OutcomeTimeout
		timing.Error = res.err.Error()
		failed = true
		e.logger.Warn().
			Str("rule_id", rule.ID()).
			Dur("duration", res.duration).
			Msg("rule timed out")
	case res.err != nil:
		timing.Outcome = OutcomeFailed
		timing.Error = res.err.Error()
		failed = true
		e.logger.Error().
			Err(res.err).
			Str("rule_id", rule.ID()).
			Dur("duration", res.duration).
			Msg("rule evaluation failed")
	case res.duration > e.slowThreshold:
		e.logger.Warn().
			Str("rule_id", rule.ID()).
			Dur("duration", res.duration).
			Dur("threshold", e.slowThreshold).
			Msg("slow rule evaluation")
	}
	e.metrics.RecordRuleTiming(rule.ID(), res.duration, failed)
	return timing
}
