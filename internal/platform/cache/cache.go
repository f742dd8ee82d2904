package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cds/cds/internal/platform/breaker"
)

const keyPrefix = "cds:alerts:"

// Key addresses one cached result set. Two requests with identical relevant
// inputs for a hook produce the same fingerprint and therefore the same key.
type Key struct {
	PatientID   uuid.UUID
	Hook        string
	Fingerprint string
}

func (k Key) String() string {
	return keyPrefix + k.PatientID.String() + ":" + k.Hook + ":" + k.Fingerprint
}

// patientPrefix is the common prefix of every key for a patient, across all
// hook types; Invalidate deletes by this prefix.
func patientPrefix(patientID uuid.UUID) string {
	return keyPrefix + patientID.String() + ":"
}

// Config tunes the alert cache.
type Config struct {
	// TTLByHook maps a hook type to its TTL class. Hooks not present use
	// DefaultTTL.
	TTLByHook  map[string]time.Duration
	DefaultTTL time.Duration
}

// AlertCache is the cache layer in front of the remote store. Every store
// call goes through the circuit breaker: with the breaker open, Get reports
// a miss and Set/Invalidate return ErrCircuitOpen for the caller to log.
type AlertCache struct {
	store  Store
	br     *breaker.Breaker
	cfg    Config
	logger zerolog.Logger

	now func() time.Time
}

// New creates an AlertCache over store guarded by br.
func New(store Store, br *breaker.Breaker, cfg Config, logger zerolog.Logger) *AlertCache {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 60 * time.Second
	}
	return &AlertCache{
		store:  store,
		br:     br,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// TTLFor returns the TTL class for a hook type.
func (c *AlertCache) TTLFor(hook string) time.Duration {
	if ttl, ok := c.cfg.TTLByHook[hook]; ok {
		return ttl
	}
	return c.cfg.DefaultTTL
}

// callerGone reports whether err stems from the request context expiring
// or being cancelled. That is the caller's doing, not a store fault, and
// must not count against the breaker.
func callerGone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Get returns the cached payload for key, or ok=false on a miss. Store
// errors and an open breaker both degrade to a miss: the engine recomputes.
func (c *AlertCache) Get(ctx context.Context, key Key) ([]byte, bool) {
	var raw []byte
	err := c.br.Call(func() error {
		var err error
		raw, err = c.store.Get(ctx, key.String())
		// A miss is a normal outcome, not a dependency failure; it must not
		// count against the breaker. Same for a request that expired
		// before the lookup finished.
		if errors.Is(err, ErrNotFound) || callerGone(err) {
			raw = nil
			return nil
		}
		return err
	})
	if err != nil {
		if !errors.Is(err, breaker.ErrCircuitOpen) {
			c.logger.Warn().Err(err).Str("key", key.String()).Msg("cache get failed, treating as miss")
		}
		return nil, false
	}
	if raw == nil {
		return nil, false
	}

	payload, _, err := Decode(raw)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key.String()).Msg("cache entry undecodable, treating as miss")
		return nil, false
	}
	return payload, true
}

// Set stores payload under key with the hook's TTL class. Best-effort: the
// returned error (including ErrCircuitOpen) is for the caller to log, never
// to propagate.
func (c *AlertCache) Set(ctx context.Context, key Key, payload []byte) error {
	ttl := c.TTLFor(key.Hook)

	raw, err := Encode(payload, key.Hook, c.now())
	if err != nil {
		return err
	}

	// A deadline-limited evaluation writes through on an already-expired
	// context; that skipped write is reported to the caller but does not
	// count as a store failure.
	var skipped error
	if err := c.br.Call(func() error {
		err := c.store.Set(ctx, key.String(), raw, ttl)
		if callerGone(err) {
			skipped = err
			return nil
		}
		return err
	}); err != nil {
		return err
	}
	return skipped
}

// Invalidate removes every cached entry for a patient across all hook
// types, regardless of remaining TTL.
func (c *AlertCache) Invalidate(ctx context.Context, patientID uuid.UUID) error {
	var cancelled error
	if err := c.br.Call(func() error {
		n, err := c.store.DeletePrefix(ctx, patientPrefix(patientID))
		if err != nil {
			if callerGone(err) {
				cancelled = err
				return nil
			}
			return err
		}
		c.logger.Debug().Str("patient_id", patientID.String()).Int("removed", n).Msg("cache invalidated")
		return nil
	}); err != nil {
		return err
	}
	return cancelled
}

// BreakerState exposes the guarding breaker's state for health reporting.
func (c *AlertCache) BreakerState() breaker.State {
	return c.br.State()
}
