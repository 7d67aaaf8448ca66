package resilience

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func failingBreaker(t *testing.T, cfg BreakerConfig) *Breaker {
	t.Helper()
	b := NewBreaker(cfg)
	for i := 0; i < cfg.MaxFailures; i++ {
		if err := b.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("attempt %d: err = %v, want errBoom", i, err)
		}
	}
	return b
}

func TestBreakerOpensAfterMaxFailures(t *testing.T) {
	b := failingBreaker(t, BreakerConfig{Name: "acct", MaxFailures: 3, ResetTimeout: time.Minute})

	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}
	called := false
	err := b.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("err = %v, want ErrBreakerOpen", err)
	}
	if called {
		t.Error("fn must not run while the breaker is open")
	}
}

func TestBreakerClosedResetsOnSuccess(t *testing.T) {
	b := NewBreaker(BreakerConfig{MaxFailures: 3})
	_ = b.Execute(func() error { return errBoom })
	_ = b.Execute(func() error { return errBoom })
	_ = b.Execute(func() error { return nil })
	// Counter reset; two more failures must not trip it.
	_ = b.Execute(func() error { return errBoom })
	_ = b.Execute(func() error { return errBoom })
	if got := b.State(); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := failingBreaker(t, BreakerConfig{MaxFailures: 2, ResetTimeout: 10 * time.Millisecond, HalfOpenMax: 2})

	time.Sleep(20 * time.Millisecond)
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state after reset timeout = %v, want half-open", got)
	}

	// Enough successful probes close the breaker.
	for i := 0; i < 2; i++ {
		if err := b.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("state after probes = %v, want closed", got)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := failingBreaker(t, BreakerConfig{MaxFailures: 2, ResetTimeout: 10 * time.Millisecond})

	time.Sleep(20 * time.Millisecond)
	_ = b.Execute(func() error { return errBoom })
	if got := b.State(); got != StateOpen {
		t.Errorf("state = %v, want open after failed probe", got)
	}
}

func TestBreakerIgnoresNonFailures(t *testing.T) {
	fatal := errors.New("bad request")
	b := NewBreaker(BreakerConfig{
		MaxFailures: 2,
		IsFailure:   func(err error) bool { return err != nil && !errors.Is(err, fatal) },
	})
	for i := 0; i < 5; i++ {
		_ = b.Execute(func() error { return fatal })
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("state = %v, want closed; client errors must not trip the breaker", got)
	}
}

func TestBreakerReset(t *testing.T) {
	b := failingBreaker(t, BreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute})
	b.Reset()
	if got := b.State(); got != StateClosed {
		t.Errorf("state = %v, want closed after Reset", got)
	}
}

func TestBreakerSetPerName(t *testing.T) {
	set := NewBreakerSet(BreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute})
	_ = set.For("a").Execute(func() error { return errBoom })

	if got := set.For("a").State(); got != StateOpen {
		t.Errorf("breaker a = %v, want open", got)
	}
	if got := set.For("b").State(); got != StateClosed {
		t.Errorf("breaker b = %v, want closed", got)
	}
	if set.For("a") != set.For("a") {
		t.Error("For must return the same breaker for the same name")
	}
}
