package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newGroup(t *testing.T, maxFailures int) *FallbackGroup[string] {
	t.Helper()
	fg := NewFallbackGroup("dpaste", "dpaste", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: maxFailures, ResetTimeout: time.Hour},
	})
	fg.AddFallback("postgres", "postgres")
	return fg
}

func TestFallbackGroup_PrimarySuccess(t *testing.T) {
	fg := newGroup(t, 3)

	got, name, err := ExecuteWithResult(context.Background(), fg, func(_ context.Context, v string) (string, error) {
		return "id-from-" + v, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "id-from-dpaste" || name != "dpaste" {
		t.Fatalf("got (%q, %q), want (id-from-dpaste, dpaste)", got, name)
	}
}

func TestFallbackGroup_Failover(t *testing.T) {
	fg := newGroup(t, 3)

	var tried []string
	err := fg.Execute(context.Background(), func(_ context.Context, v string) error {
		tried = append(tried, v)
		if v == "dpaste" {
			return errTest
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tried) != 2 || tried[1] != "postgres" {
		t.Fatalf("tried = %v, want [dpaste postgres]", tried)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	fg := newGroup(t, 3)

	_, _, err := ExecuteWithResult(context.Background(), fg, func(context.Context, string) (int, error) {
		return 0, errTest
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want last error wrapped", err)
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	fg := newGroup(t, 2)
	failPrimary := func(_ context.Context, v string) error {
		if v == "dpaste" {
			return errTest
		}
		return nil
	}
	for range 2 {
		_ = fg.Execute(context.Background(), failPrimary)
	}

	if got := fg.States()["dpaste"]; got != StateOpen {
		t.Fatalf("dpaste breaker = %v, want open", got)
	}
	if got := fg.States()["postgres"]; got != StateClosed {
		t.Fatalf("postgres breaker = %v, want closed", got)
	}

	var called []string
	err := fg.Execute(context.Background(), func(_ context.Context, v string) error {
		called = append(called, v)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(called) != 1 || called[0] != "postgres" {
		t.Fatalf("called = %v, want only postgres", called)
	}
}

func TestFallbackGroup_StopsOnCanceledContext(t *testing.T) {
	fg := newGroup(t, 3)
	ctx, cancel := context.WithCancel(context.Background())

	var tried []string
	err := fg.Execute(ctx, func(_ context.Context, v string) error {
		tried = append(tried, v)
		cancel()
		return errTest
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(tried) != 1 {
		t.Fatalf("tried = %v, want failover to stop after cancel", tried)
	}
}

func TestFallbackGroup_Len(t *testing.T) {
	if got := newGroup(t, 1).Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
}
