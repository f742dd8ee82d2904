package breaker

import (
	"errors"
	"testing"
	"time"
)

var errBackend = errors.New("backend down")

func newTestBreaker(threshold int, reset time.Duration) (*Breaker, *time.Time) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := New(Config{FailureThreshold: threshold, ResetTimeout: reset})
	b.now = func() time.Time { return clock }
	return b, &clock
}

func fail() error    { return errBackend }
func succeed() error { return nil }

func TestBreakerStartsClosed(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	if got := b.State(); got != StateClosed {
		t.Fatalf("State() = %v, want closed", got)
	}
	if err := b.Call(succeed); err != nil {
		t.Fatalf("Call() = %v, want nil", err)
	}
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		if err := b.Call(fail); !errors.Is(err, errBackend) {
			t.Fatalf("Call() = %v, want backend error", err)
		}
		if got := b.State(); got != StateClosed {
			t.Fatalf("after %d failures State() = %v, want closed", i+1, got)
		}
	}

	if err := b.Call(fail); !errors.Is(err, errBackend) {
		t.Fatalf("Call() = %v, want backend error", err)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("State() = %v, want open after threshold", got)
	}
}

func TestBreakerOpenFailsFast(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	b.Call(fail)

	invoked := false
	err := b.Call(func() error {
		invoked = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Call() = %v, want ErrCircuitOpen", err)
	}
	if invoked {
		t.Fatal("op invoked while breaker open")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	b.Call(fail)
	b.Call(fail)
	b.Call(succeed)
	if got := b.Failures(); got != 0 {
		t.Fatalf("Failures() = %d, want 0 after success", got)
	}
	b.Call(fail)
	b.Call(fail)
	if got := b.State(); got != StateClosed {
		t.Fatalf("State() = %v, want closed; failures must be consecutive", got)
	}
}

func TestBreakerHalfOpenTrialSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	b.Call(fail)

	*clock = clock.Add(time.Minute)
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("State() = %v, want half-open after reset timeout", got)
	}

	if err := b.Call(succeed); err != nil {
		t.Fatalf("trial Call() = %v, want nil", err)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("State() = %v, want closed after successful trial", got)
	}
}

func TestBreakerHalfOpenTrialFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	b.Call(fail)

	*clock = clock.Add(time.Minute)
	if err := b.Call(fail); !errors.Is(err, errBackend) {
		t.Fatalf("trial Call() = %v, want backend error", err)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("State() = %v, want open after failed trial", got)
	}

	// Timer restarted: still failing fast before another full timeout.
	*clock = clock.Add(30 * time.Second)
	if err := b.Call(succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Call() = %v, want ErrCircuitOpen before restarted timeout", err)
	}

	*clock = clock.Add(30 * time.Second)
	if err := b.Call(succeed); err != nil {
		t.Fatalf("Call() = %v, want trial admitted after restarted timeout", err)
	}
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	b.Call(fail)
	*clock = clock.Add(time.Minute)

	release := make(chan struct{})
	trialStarted := make(chan struct{})
	go func() {
		b.Call(func() error {
			close(trialStarted)
			<-release
			return nil
		})
	}()
	<-trialStarted

	// Second caller while the trial is in flight must fail fast.
	if err := b.Call(succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("concurrent Call() = %v, want ErrCircuitOpen", err)
	}
	close(release)
}

func TestBreakerOnStateChange(t *testing.T) {
	var transitions []State
	b := New(Config{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		OnStateChange:    func(s State) { transitions = append(transitions, s) },
	})
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }

	b.Call(fail)
	clock = clock.Add(time.Minute)
	b.Call(succeed)

	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestBreakerDefaults(t *testing.T) {
	b := New(Config{})
	if b.cfg.FailureThreshold != 5 {
		t.Fatalf("default threshold = %d, want 5", b.cfg.FailureThreshold)
	}
	if b.cfg.ResetTimeout != 60*time.Second {
		t.Fatalf("default reset timeout = %v, want 60s", b.cfg.ResetTimeout)
	}
}
