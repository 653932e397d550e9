package transport

import "testing"

func TestGuardRequireOpenBeforeOpen(t *testing.T) {
	var g guard
	if err := g.requireOpen(); err == nil {
		t.Fatal("expected NotOpen error before claim")
	}
}

func TestGuardClaimRejectsDoubleOpen(t *testing.T) {
	var g guard
	if err := g.claim(); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := g.claim(); err == nil {
		t.Fatal("expected second claim to fail")
	}
	g.release()
	if err := g.claim(); err != nil {
		t.Fatalf("claim after release: %v", err)
	}
}

func TestRetryNoBackoffBoundedAttempts(t *testing.T) {
	attempts := 0
	err := retry(2, func() error {
		attempts++
		return errAlwaysFail
	})
	if err == nil {
		t.Fatal("expected exhausted-retries error")
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts (maxRetries=2), got %d", attempts)
	}
}

func TestRetrySucceedsWithoutExhausting(t *testing.T) {
	attempts := 0
	err := retry(5, func() error {
		attempts++
		if attempts < 2 {
			return errAlwaysFail
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected to stop at 2 attempts, got %d", attempts)
	}
}

func TestNewUnknownStrategy(t *testing.T) {
	if _, err := New(Strategy("bogus"), Config{}); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestGuardTraceRunsUntracedByDefault(t *testing.T) {
	var g guard
	ran := false
	if err := g.trace("label", func() error { ran = true; return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Fatal("trace must still invoke fn when no tracer is attached")
	}
}

func TestGuardTraceUsesAttachedTracer(t *testing.T) {
	var g guard
	g.SetTracer(&Tracer{})
	ran := false
	if err := g.trace("label", func() error { ran = true; return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Fatal("trace must invoke fn through an attached tracer")
	}
}

var errAlwaysFail = &stubErr{"stub failure"}

type stubErr struct{ msg string }

func (e *stubErr) Error() string { return e.msg }
