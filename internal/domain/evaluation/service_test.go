package evaluation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cds/cds/internal/platform/breaker"
	"github.com/cds/cds/internal/platform/cache"
	"github.com/cds/cds/internal/platform/telemetry"
)

// ── Mock Repository ──

type mockPatientRepo struct {
	patients    map[uuid.UUID]bool
	medications map[uuid.UUID][]Medication
	failWith    error
}

func newMockPatientRepo() *mockPatientRepo {
	return &mockPatientRepo{
		patients:    make(map[uuid.UUID]bool),
		medications: make(map[uuid.UUID][]Medication),
	}
}

func (m *mockPatientRepo) PatientExists(_ context.Context, id uuid.UUID) (bool, error) {
	if m.failWith != nil {
		return false, m.failWith
	}
	return m.patients[id], nil
}
func (m *mockPatientRepo) ActiveMedications(_ context.Context, id uuid.UUID) ([]Medication, error) {
	if m.failWith != nil {
		return nil, m.failWith
	}
	return m.medications[id], nil
}
func (m *mockPatientRepo) ActiveAllergies(_ context.Context, id uuid.UUID) ([]Allergy, error) {
	return nil, m.failWith
}
func (m *mockPatientRepo) ActiveConditions(_ context.Context, id uuid.UUID) ([]Condition, error) {
	return nil, m.failWith
}
func (m *mockPatientRepo) RecentLabs(_ context.Context, id uuid.UUID, _ time.Time, _ int) ([]LabResult, error) {
	return nil, m.failWith
}
func (m *mockPatientRepo) CurrentEncounter(_ context.Context, id uuid.UUID) (*EncounterMeta, error) {
	return nil, m.failWith
}

// ── Fixture ──

type serviceFixture struct {
	svc   *Service
	repo  *mockPatientRepo
	store cache.Store
}

func newServiceFixture(t *testing.T, store cache.Store, rules ...Rule) *serviceFixture {
	t.Helper()
	repo := newMockPatientRepo()
	metrics := telemetry.NewCollector(telemetry.Config{})

	br := breaker.New(breaker.Config{FailureThreshold: 1, ResetTimeout: time.Minute})
	alertCache := cache.New(store, br, cache.Config{DefaultTTL: time.Minute}, zerolog.Nop())

	registry := NewRegistry()
	registry.MustRegister(rules...)

	provider := NewContextProvider(repo, 90*24*time.Hour)
	evaluator := NewEvaluator(metrics, zerolog.Nop(), time.Second, 250*time.Millisecond)
	svc := NewService(provider, registry, evaluator, alertCache, metrics, zerolog.Nop(), 250*time.Millisecond)
	return &serviceFixture{svc: svc, repo: repo, store: store}
}

func (f *serviceFixture) addPatient(meds ...Medication) uuid.UUID {
	id := uuid.New()
	f.repo.patients[id] = true
	f.repo.medications[id] = meds
	return id
}

func TestServicePatientNotFound(t *testing.T) {
	f := newServiceFixture(t, cache.NewMemoryStore(), firingRule("r"))
	_, err := f.svc.Evaluate(context.Background(), uuid.New(), HookPatientView)
	if !errors.Is(err, ErrPatientNotFound) {
		t.Fatalf("Evaluate() = %v, want ErrPatientNotFound", err)
	}
}

func TestServiceDataSourceUnavailable(t *testing.T) {
	f := newServiceFixture(t, cache.NewMemoryStore(), firingRule("r"))
	f.repo.failWith = errors.New("connection refused")

	_, err := f.svc.Evaluate(context.Background(), uuid.New(), HookPatientView)
	if !errors.Is(err, ErrDataSourceUnavailable) {
		t.Fatalf("Evaluate() = %v, want ErrDataSourceUnavailable", err)
	}
}

func TestServiceUnknownHook(t *testing.T) {
	f := newServiceFixture(t, cache.NewMemoryStore(), firingRule("r"))
	_, err := f.svc.Evaluate(context.Background(), uuid.New(), HookType("made-up"))
	if !errors.Is(err, ErrUnknownHook) {
		t.Fatalf("Evaluate() = %v, want ErrUnknownHook", err)
	}
}

func TestServiceRepeatedRequestHitsCache(t *testing.T) {
	f := newServiceFixture(t, cache.NewMemoryStore(), firingRule("r"))
	patientID := f.addPatient()

	first, err := f.svc.Evaluate(context.Background(), patientID, HookPatientView)
	if err != nil {
		t.Fatalf("first Evaluate() error = %v", err)
	}
	if first.CacheHit {
		t.Fatal("first request reported a cache hit")
	}
	if len(first.Alerts) != 1 {
		t.Fatalf("first request alerts = %d, want 1", len(first.Alerts))
	}

	second, err := f.svc.Evaluate(context.Background(), patientID, HookPatientView)
	if err != nil {
		t.Fatalf("second Evaluate() error = %v", err)
	}
	if !second.CacheHit {
		t.Fatal("second identical request missed the cache")
	}
	if len(second.Alerts) != 1 || second.Alerts[0].RuleID != first.Alerts[0].RuleID {
		t.Errorf("cached alerts = %+v, want same as fresh", second.Alerts)
	}
}

func TestServiceDataChangeMissesCache(t *testing.T) {
	f := newServiceFixture(t, cache.NewMemoryStore(), firingRule("r"))
	patientID := f.addPatient()

	f.svc.Evaluate(context.Background(), patientID, HookPatientView)

	// New medication changes the fingerprint; the stale entry must not serve.
	f.repo.medications[patientID] = []Medication{
		{ID: uuid.New(), Name: "Warfarin", Status: "active", StartedAt: time.Now()},
	}
	resp, err := f.svc.Evaluate(context.Background(), patientID, HookPatientView)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if resp.CacheHit {
		t.Fatal("changed context served from cache")
	}
}

func TestServiceInvalidateForcesMiss(t *testing.T) {
	f := newServiceFixture(t, cache.NewMemoryStore(), firingRule("r"))
	patientID := f.addPatient()

	f.svc.Evaluate(context.Background(), patientID, HookPatientView)
	if err := f.svc.Invalidate(context.Background(), patientID); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}

	resp, err := f.svc.Evaluate(context.Background(), patientID, HookPatientView)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if resp.CacheHit {
		t.Fatal("request after invalidation served from cache")
	}
}

// brokenStore fails every operation.
type brokenStore struct{}

func (brokenStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("store down")
}
func (brokenStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("store down")
}
func (brokenStore) DeletePrefix(context.Context, string) (int, error) {
	return 0, errors.New("store down")
}

func TestServiceCorrectWithCacheDown(t *testing.T) {
	f := newServiceFixture(t, brokenStore{}, firingRule("r"))
	patientID := f.addPatient()

	// Breaker trips on the first call; every request still evaluates fresh.
	for i := 0; i < 3; i++ {
		resp, err := f.svc.Evaluate(context.Background(), patientID, HookPatientView)
		if err != nil {
			t.Fatalf("Evaluate() #%d error = %v", i+1, err)
		}
		if resp.CacheHit {
			t.Fatalf("Evaluate() #%d reported cache hit with store down", i+1)
		}
		if len(resp.Alerts) != 1 {
			t.Fatalf("Evaluate() #%d alerts = %d, want 1", i+1, len(resp.Alerts))
		}
	}
}

func TestServiceRuleFailureDegradesSilently(t *testing.T) {
	broken := &stubRule{id: "broken", evaluate: func(context.Context, *EvaluationContext) (*Alert, error) {
		return nil, errors.New("boom")
	}}
	f := newServiceFixture(t, cache.NewMemoryStore(), firingRule("ok"), broken)
	patientID := f.addPatient()

	resp, err := f.svc.Evaluate(context.Background(), patientID, HookPatientView)
	if err != nil {
		t.Fatalf("Evaluate() error = %v, rule failure must not surface", err)
	}
	if len(resp.Alerts) != 1 || resp.Alerts[0].RuleID != "ok" {
		t.Fatalf("alerts = %+v, want only ok's alert", resp.Alerts)
	}
}
