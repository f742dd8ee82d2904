package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cds/cds/internal/platform/cache"
	"github.com/cds/cds/internal/platform/telemetry"
)

// Service is the engine facade: one Evaluate call takes a hook event from
// context assembly through cached or fresh rule evaluation to a list of
// alerts. Stateless between calls; everything request-scoped lives on the
// stack.
type Service struct {
	provider  *ContextProvider
	registry  *Registry
	evaluator *Evaluator
	cache     *cache.AlertCache
	metrics   *telemetry.Collector
	logger    zerolog.Logger
	slowEval  time.Duration
}

func NewService(
	provider *ContextProvider,
	registry *Registry,
	evaluator *Evaluator,
	alertCache *cache.AlertCache,
	metrics *telemetry.Collector,
	logger zerolog.Logger,
	slowEval time.Duration,
) *Service {
	return &Service{
		provider:  provider,
		registry:  registry,
		evaluator: evaluator,
		cache:     alertCache,
		metrics:   metrics,
		logger:    logger.With().Str("component", "engine").Logger(),
		slowEval:  slowEval,
	}
}

// EvaluationResponse is what one hook event produces.
type EvaluationResponse struct {
	PatientID uuid.UUID    `json:"patient_id"`
	Hook      HookType     `json:"hook_type"`
	Alerts    []*Alert     `json:"alerts"`
	Timings   []RuleTiming `json:"rule_timings,omitempty"`
	CacheHit  bool         `json:"cache_hit"`
}

// Evaluate handles one hook event. Context or data-source failures surface
// as errors; rule failures and cache trouble degrade to fewer alerts or a
// fresh evaluation, never an error.
func (s *Service) Evaluate(ctx context.Context, patientID uuid.UUID, hook HookType) (*EvaluationResponse, error) {
	started := time.Now()

	if !hook.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHook, hook)
	}

	ec, err := s.provider.Build(ctx, patientID, hook)
	if err != nil {
		s.metrics.RecordError()
		return nil, err
	}

	key := cache.Key{
		PatientID:   patientID,
		Hook:        string(hook),
		Fingerprint: Fingerprint(ec),
	}

	if payload, ok := s.cache.Get(ctx, key); ok {
		var alerts []*Alert
		if err := json.Unmarshal(payload, &alerts); err == nil {
			elapsed := time.Since(started)
			s.metrics.RecordEvaluation(elapsed, true, elapsed > s.slowEval)
			s.metrics.RecordBreakerState(s.cache.BreakerState())
			return &EvaluationResponse{
				PatientID: patientID,
				Hook:      hook,
				Alerts:    alerts,
				CacheHit:  true,
			}, nil
		}
		// Corrupt entry: fall through to a fresh evaluation.
		s.logger.Warn().Str("key", key.String()).Msg("discarding undecodable cache entry")
	}

	rules := s.registry.Applicable(ec)
	res := s.evaluator.Evaluate(ctx, rules, ec)

	if payload, err := json.Marshal(res.Alerts); err == nil {
		if err := s.cache.Set(ctx, key, payload); err != nil {
			s.logger.Warn().Err(err).Str("key", key.String()).Msg("cache write failed")
		}
	}

	elapsed := time.Since(started)
	s.metrics.RecordEvaluation(elapsed, false, elapsed > s.slowEval)
	s.metrics.RecordBreakerState(s.cache.BreakerState())

	s.logger.Debug().
		Str("patient_id", patientID.String()).
		Str("hook", string(hook)).
		Int("rules_run", len(rules)).
		Int("alerts", len(res.Alerts)).
		Dur("duration", elapsed).
		Msg("evaluation complete")

	return &EvaluationResponse{
		PatientID: patientID,
		Hook:      hook,
		Alerts:    res.Alerts,
		Timings:   res.Timings,
		CacheHit:  false,
	}, nil
}

// Invalidate drops every cached entry for the patient. Called when the
// host system records a data change; per-hook TTLs remain the backstop if
// the cache backend is unreachable.
func (s *Service) Invalidate(ctx context.Context, patientID uuid.UUID) error {
	if err := s.cache.Invalidate(ctx, patientID); err != nil {
		return err
	}
	s.metrics.RecordInvalidation()
	return nil
}
