package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var errStoreDown = errors.New("store down")

// fakeClock lets tests move past the open timeout without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg Config) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cb := New(cfg)
	cb.now = clock.Now
	cb.stateChangeTime = clock.Now()
	return cb, clock
}

func testConfig() Config {
	return Config{
		FailureThreshold:    2,
		SuccessThreshold:    2,
		Timeout:             time.Second,
		MaxRequestsHalfOpen: 2,
	}
}

func fail() error    { return errStoreDown }
func succeed() error { return nil }

func TestCircuitBreaker_ClosedPassesCallsThrough(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())
	ctx := context.Background()

	if err := cb.Execute(ctx, succeed); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	err := cb.Execute(ctx, func() error { return fmt.Errorf("upsert: %w", errStoreDown) })
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("Expected the wrapped store error, got: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("Expected state closed, got: %v", cb.GetState())
	}
	if cb.GetStats().FailureCount != 1 {
		t.Errorf("Expected failure count 1, got: %d", cb.GetStats().FailureCount)
	}
}

func TestCircuitBreaker_OpensAfterThresholdAndFailsFast(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	if cb.GetState() != StateOpen {
		t.Fatalf("Expected state open, got: %v", cb.GetState())
	}

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("Expected ErrOpen, got: %v", err)
	}
	if called {
		t.Error("function must not run while the breaker is open")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, succeed)
	_ = cb.Execute(ctx, fail)

	if cb.GetState() != StateClosed {
		t.Errorf("non-consecutive failures must not open the breaker, got: %v", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb, clock := newTestBreaker(testConfig())
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	clock.Advance(time.Second)

	if err := cb.Execute(ctx, succeed); err != nil {
		t.Fatalf("Expected probe to pass, got: %v", err)
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("Expected half-open after one probe, got: %v", cb.GetState())
	}
	if err := cb.Execute(ctx, succeed); err != nil {
		t.Fatalf("Expected second probe to pass, got: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("Expected closed after success threshold, got: %v", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(testConfig())
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	clock.Advance(time.Second)

	_ = cb.Execute(ctx, fail)
	if cb.GetState() != StateOpen {
		t.Fatalf("Expected open after failed probe, got: %v", cb.GetState())
	}
	if err := cb.Execute(ctx, succeed); !errors.Is(err, ErrOpen) {
		t.Errorf("Expected ErrOpen right after reopening, got: %v", err)
	}
}

func TestCircuitBreaker_HalfOpenLimitsProbes(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRequestsHalfOpen = 1
	cb, clock := newTestBreaker(cfg)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	clock.Advance(time.Second)

	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func() error { <-release; return nil })
	}()

	deadline := time.Now().Add(time.Second)
	for cb.GetStats().HalfOpenRequests == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if err := cb.Execute(ctx, succeed); !errors.Is(err, ErrOpen) {
		t.Errorf("Expected second concurrent probe to be rejected, got: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Errorf("Expected first probe to succeed, got: %v", err)
	}
}

func TestCircuitBreaker_CancelledContext(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := cb.Execute(ctx, succeed); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got: %v", err)
	}
	if err := cb.Execute(context.Background(), func() error { return context.Canceled }); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got: %v", err)
	}
	if cb.GetStats().FailureCount != 0 {
		t.Errorf("cancellation must not count as a failure, got: %d", cb.GetStats().FailureCount)
	}
}

func TestCircuitBreaker_ExecuteWithResult(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())

	n, err := ExecuteWithResult(context.Background(), cb, func() (int, error) { return 3, nil })
	if err != nil || n != 3 {
		t.Fatalf("Expected 3, nil; got: %d, %v", n, err)
	}
	n, err = ExecuteWithResult(context.Background(), cb, func() (int, error) { return 9, errStoreDown })
	if !errors.Is(err, errStoreDown) || n != 0 {
		t.Fatalf("Expected zero value and store error, got: %d, %v", n, err)
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())

	changes := make(chan [2]State, 4)
	cb.OnStateChange(func(from, to State) { changes <- [2]State{from, to} })

	_ = cb.Execute(context.Background(), fail)
	_ = cb.Execute(context.Background(), fail)

	select {
	case c := <-changes:
		if c[0] != StateClosed || c[1] != StateOpen {
			t.Errorf("Expected closed -> open, got: %v -> %v", c[0], c[1])
		}
	case <-time.After(time.Second):
		t.Fatal("state change callback not called")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())
	_ = cb.Execute(context.Background(), fail)
	_ = cb.Execute(context.Background(), fail)

	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Errorf("Expected closed after reset, got: %v", cb.GetState())
	}
	if err := cb.Execute(context.Background(), succeed); err != nil {
		t.Errorf("Expected no error after reset, got: %v", err)
	}
}

func TestState_String(t *testing.T) {
	for state, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(42):     "unknown",
	} {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
