// Package policy implements the poller's consecutive-failure circuit
// breaker. The teacher's per-IP score/ban mechanism is repurposed: "IP"
// becomes "the poller itself", "invalid share" becomes "poll failure",
// ban becomes a fatal NetworkDown condition. No inbound connections
// exist in this client, so the ipset/kernel-ban half of the original
// is dropped entirely.
package policy

import (
	"sync"
	"time"

	"github.com/tos-network/tos-miner/internal/util"
)

// Config holds the poll-failure breaker's thresholds.
type Config struct {
	FailureThreshold  int32         // consecutive failures before NetworkDown
	FailureWindow     time.Duration // window score is tracked over
	RecoveryThreshold int32         // consecutive successes needed to reset
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold:  6,
		FailureWindow:     5 * time.Minute,
		RecoveryThreshold: 1,
	}
}

// PollBreaker tracks consecutive poll failures and trips into a
// NetworkDown condition after FailureThreshold consecutive failures.
// Any successful poll resets the failure score; the tripped state
// clears after RecoveryThreshold consecutive successes.
type PollBreaker struct {
	mu sync.Mutex

	cfg *Config

	score        int32
	successes    int32
	windowStart  time.Time
	tripped      bool
}

// NewPollBreaker creates a new breaker.
func NewPollBreaker(cfg *Config) *PollBreaker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &PollBreaker{cfg: cfg, windowStart: time.Now()}
}

// RecordFailure registers one poll failure. It returns true if this
// failure trips the breaker into NetworkDown.
func (b *PollBreaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if now.Sub(b.windowStart) >= b.cfg.FailureWindow {
		b.score = 0
		b.windowStart = now
	}

	b.score++
	b.successes = 0

	if !b.tripped && b.score >= b.cfg.FailureThreshold {
		b.tripped = true
		util.Warnf("poll breaker tripped: %d consecutive failures >= threshold %d", b.score, b.cfg.FailureThreshold)
		return true
	}
	return false
}

// RecordSuccess registers one successful poll, resetting the failure
// score and un-tripping the breaker once RecoveryThreshold consecutive
// successes have been observed.
func (b *PollBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successes++
	b.score = 0

	if b.tripped && b.successes >= b.cfg.RecoveryThreshold {
		b.tripped = false
		util.Info("poll breaker reset after recovery")
	}
}

// Tripped reports whether the breaker is currently in NetworkDown.
func (b *PollBreaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}

// Score returns the current consecutive-failure score, for reporting.
func (b *PollBreaker) Score() int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.score
}
