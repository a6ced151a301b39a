// Package challenge polls the network for the current mining
// challenge, detects rotation and in-place mutation, and exposes the
// live view the Submission Gate checks candidates against.
package challenge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tos-network/tos-miner/internal/events"
	"github.com/tos-network/tos-miner/internal/mining"
	"github.com/tos-network/tos-miner/internal/policy"
	"github.com/tos-network/tos-miner/internal/rpc"
	"github.com/tos-network/tos-miner/internal/util"
)

func toSnapshot(c *rpc.Challenge) mining.ChallengeSnapshot {
	return mining.ChallengeSnapshot{
		ChallengeID:      c.ChallengeID,
		Difficulty:       c.Difficulty,
		NoPreMine:        c.NoPreMine,
		NoPreMineHour:    c.NoPreMineHour,
		LatestSubmission: c.LatestSubmission,
	}
}

// Poller periodically fetches GET /challenge, grounded on the
// teacher's jobRefreshLoop/refreshJob ticker pattern (master.go). It
// implements mining.LiveChallenge directly so the Submission Gate can
// consult it for freshness without the mining package importing this
// one.
type Poller struct {
	manager        *rpc.NetworkManager
	breaker        *policy.PollBreaker
	bus            *events.Bus
	interval       time.Duration
	onRotate       func(mining.ChallengeSnapshot)
	onWindowClosed func()

	mu         sync.RWMutex
	current    *mining.ChallengeSnapshot
	windowCode rpc.ChallengeCode

	networkDown atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller builds a Poller. onRotate is invoked (synchronously, from
// the poll loop) whenever a poll observes a new challenge_id; it may
// be nil if the caller only needs the LiveChallenge view. onWindowClosed
// is invoked (synchronously, from the poll loop) the moment the window
// code transitions into ChallengeAfter — the Coordinator's signal to
// stop, per §4.1/§7's "Window closed -> Coordinator transitions to
// Idle" rule; it may also be nil.
func NewPoller(manager *rpc.NetworkManager, breaker *policy.PollBreaker, bus *events.Bus, interval time.Duration, onRotate func(mining.ChallengeSnapshot), onWindowClosed func()) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		manager:        manager,
		breaker:        breaker,
		bus:            bus,
		interval:       interval,
		onRotate:       onRotate,
		onWindowClosed: onWindowClosed,
	}
}

// Start runs one synchronous poll (so callers have a snapshot
// immediately) and then launches the background polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	if err := p.poll(); err != nil {
		return fmt.Errorf("initial challenge poll: %w", err)
	}

	p.wg.Add(1)
	go p.pollLoop()
	return nil
}

// Stop halts the polling loop.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Poller) pollLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if err := p.poll(); err != nil {
				util.Warnf("challenge poll failed: %v", err)
			}
		}
	}
}

// poll fetches the challenge state and updates the live snapshot,
// invoking onRotate only when challenge_id actually changed.
func (p *Poller) poll() error {
	var state *rpc.ChallengeState
	err := p.manager.CallWithFailover(func(c rpc.NetworkClient) error {
		s, callErr := c.GetChallenge(p.ctx)
		if callErr != nil {
			return callErr
		}
		state = s
		return nil
	})
	if err != nil {
		if p.breaker.RecordFailure() {
			p.networkDown.Store(true)
			p.bus.Publish(events.KindError, fmt.Sprintf("network down: %v", err))
			util.Errorf("challenge poller: network down after repeated failures: %v", err)
		}
		return err
	}
	p.breaker.RecordSuccess()
	if p.networkDown.Load() && !p.breaker.Tripped() {
		p.networkDown.Store(false)
		util.Info("challenge poller: network recovered")
	}

	p.mu.Lock()
	prevCode := p.windowCode
	p.windowCode = state.Code
	p.mu.Unlock()

	if state.Code == rpc.ChallengeAfter && prevCode != rpc.ChallengeAfter {
		util.Info("challenge poller: mining window closed")
		if p.onWindowClosed != nil {
			p.onWindowClosed()
		}
	}

	if state.Challenge == nil {
		return nil // before/after the mining window: no active challenge
	}

	snap := toSnapshot(state.Challenge)

	p.mu.RLock()
	prev := p.current
	p.mu.RUnlock()

	rotated := prev == nil || prev.ChallengeID != snap.ChallengeID

	p.mu.Lock()
	p.current = &snap
	p.mu.Unlock()

	p.bus.Publish(events.KindStats, snap)

	if rotated && p.onRotate != nil {
		p.onRotate(snap)
	}
	return nil
}

// Snapshot implements mining.LiveChallenge: the Submission Gate's
// freshness oracle.
func (p *Poller) Snapshot() (mining.ChallengeSnapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == nil {
		return mining.ChallengeSnapshot{}, false
	}
	return *p.current, true
}

// WindowCode reports the most recently observed mining-window status.
func (p *Poller) WindowCode() rpc.ChallengeCode {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.windowCode
}

// NetworkDown reports whether the poll-failure breaker has tripped.
func (p *Poller) NetworkDown() bool {
	return p.networkDown.Load()
}
