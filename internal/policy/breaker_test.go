package policy

import (
	"testing"
	"time"
)

func TestPollBreaker_TripsAtThreshold(t *testing.T) {
	b := NewPollBreaker(&Config{FailureThreshold: 3, FailureWindow: time.Minute, RecoveryThreshold: 1})

	if b.RecordFailure() {
		t.Fatal("should not trip on 1st failure")
	}
	if b.RecordFailure() {
		t.Fatal("should not trip on 2nd failure")
	}
	if !b.RecordFailure() {
		t.Fatal("should trip on 3rd failure")
	}
	if !b.Tripped() {
		t.Fatal("expected Tripped() == true")
	}
}

func TestPollBreaker_RecoversAfterThreshold(t *testing.T) {
	b := NewPollBreaker(&Config{FailureThreshold: 1, FailureWindow: time.Minute, RecoveryThreshold: 2})

	b.RecordFailure()
	if !b.Tripped() {
		t.Fatal("expected tripped after 1 failure (threshold 1)")
	}

	b.RecordSuccess()
	if !b.Tripped() {
		t.Fatal("should still be tripped after 1 success (recovery threshold 2)")
	}

	b.RecordSuccess()
	if b.Tripped() {
		t.Fatal("expected reset after 2 consecutive successes")
	}
}

func TestPollBreaker_SuccessResetsScore(t *testing.T) {
	b := NewPollBreaker(&Config{FailureThreshold: 3, FailureWindow: time.Minute, RecoveryThreshold: 1})

	b.RecordFailure()
	b.RecordFailure()
	if b.Score() != 2 {
		t.Fatalf("Score() = %d, want 2", b.Score())
	}

	b.RecordSuccess()
	if b.Score() != 0 {
		t.Fatalf("Score() after success = %d, want 0", b.Score())
	}
}

func TestPollBreaker_WindowExpiryResetsScore(t *testing.T) {
	b := NewPollBreaker(&Config{FailureThreshold: 5, FailureWindow: 10 * time.Millisecond, RecoveryThreshold: 1})

	b.RecordFailure()
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	b.RecordFailure()

	if b.Score() != 1 {
		t.Fatalf("Score() after window expiry = %d, want 1", b.Score())
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.FailureThreshold != 6 {
		t.Errorf("FailureThreshold = %d, want 6", cfg.FailureThreshold)
	}
	if cfg.RecoveryThreshold != 1 {
		t.Errorf("RecoveryThreshold = %d, want 1", cfg.RecoveryThreshold)
	}
}
