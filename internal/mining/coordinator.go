package mining

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tos-network/tos-miner/internal/devfee"
	"github.com/tos-network/tos-miner/internal/events"
	"github.com/tos-network/tos-miner/internal/hashengine"
	"github.com/tos-network/tos-miner/internal/ledger"
	"github.com/tos-network/tos-miner/internal/rpc"
	"github.com/tos-network/tos-miner/internal/util"
	"github.com/tos-network/tos-miner/internal/walletsrc"
)

// State is the Coordinator's top-level lifecycle phase.
type State string

const (
	StateIdle        State = "idle"
	StateRegistering State = "registering"
	StateRunning     State = "running"
	StateDraining    State = "draining"
)

// Coordinator is the top-level mining state machine: it sequences
// addresses, launches worker cohorts, triggers dev-fee obligations,
// and schedules periodic hard resets.
type Coordinator struct {
	addresses   walletsrc.Source
	devfeeAddrs devfee.Source
	network     rpc.NetworkClient
	engine      hashengine.Engine
	gate        *Gate
	bus         *events.Bus
	live        LiveChallenge

	workerThreads int
	batchSize     int
	devFeeRatio   int
	devFeeEnabled bool
	hourlyReset   bool

	mu               sync.RWMutex
	state            State
	currentAddress   string
	currentChallenge atomic.Value // *ChallengeSnapshot

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config bundles Coordinator construction parameters. Live is the
// freshness oracle the Submission Gate consults — in production the
// internal/challenge.Poller, which implements LiveChallenge directly.
type Config struct {
	Addresses     walletsrc.Source
	DevFeeAddrs   devfee.Source
	Network       rpc.NetworkClient
	Engine        hashengine.Engine
	Ledger        *ledger.Ledger
	Bus           *events.Bus
	Live          LiveChallenge
	Replayed      *ledger.State
	WorkerThreads int
	BatchSize     int
	MaxFailures   int
	DevFeeRatio   int
	DevFeeEnabled bool
	HourlyReset   bool
}

// NewCoordinator builds a Coordinator in the Idle state.
func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{
		addresses:     cfg.Addresses,
		devfeeAddrs:   cfg.DevFeeAddrs,
		network:       cfg.Network,
		engine:        cfg.Engine,
		gate:          NewGate(cfg.Network, cfg.Ledger, cfg.Bus, cfg.Engine, cfg.MaxFailures, cfg.Replayed),
		bus:           cfg.Bus,
		live:          cfg.Live,
		workerThreads: cfg.WorkerThreads,
		batchSize:     cfg.BatchSize,
		devFeeRatio:   cfg.DevFeeRatio,
		devFeeEnabled: cfg.DevFeeEnabled,
		hourlyReset:   cfg.HourlyReset,
		state:         StateIdle,
	}
}

// State returns the Coordinator's current phase.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.bus.Publish(events.KindStatus, s)
}

// RotateChallenge handles Running + ChallengeRotation(new_id): drain
// workers, kill pending hash batches, and re-initialize the ROM. The
// in-flight cohort loop observes the rotation via CurrentChallenge()
// diverging and exits on its own. Called by internal/challenge.Poller
// as its onRotate hook.
func (c *Coordinator) RotateChallenge(snap ChallengeSnapshot) error {
	c.currentChallenge.Store(&snap)

	c.engine.KillWorkers()
	if err := c.engine.InitROM(snap.NoPreMine); err != nil {
		return err
	}
	util.Infof("challenge rotated to %s, ROM reinitializing", snap.ChallengeID)
	return nil
}

// currentChallengeID reports the challenge_id the currently-running
// cohort (if any) is mining for.
func (c *Coordinator) currentChallengeID() string {
	v := c.currentChallenge.Load()
	if v == nil {
		return ""
	}
	return v.(*ChallengeSnapshot).ChallengeID
}

func (c *Coordinator) currentAddressName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentAddress
}

// CurrentChallengeID exposes the active challenge_id for the operator
// API; empty before Start.
func (c *Coordinator) CurrentChallengeID() string {
	return c.currentChallengeID()
}

// IsSolved reports whether address already has an accepted solution
// for the current challenge.
func (c *Coordinator) IsSolved(address string) bool {
	return c.gate.IsSolved(address, c.currentChallengeID())
}

// UserSolutions returns the accepted non-dev-fee solution count.
func (c *Coordinator) UserSolutions() int { return c.gate.UserSolutions() }

// DevFeeSolutions returns the accepted dev-fee solution count.
func (c *Coordinator) DevFeeSolutions() int { return c.gate.DevFeeSolutions() }

// WorkerThreads returns the configured per-cohort worker count.
func (c *Coordinator) WorkerThreads() int { return c.workerThreads }

// Start transitions Idle -> Registering -> Running and begins the
// sequential address-cohort loop. It blocks until registration and
// ROM initialization succeed, then returns; the mining loop itself
// runs in a background goroutine until Stop is called.
func (c *Coordinator) Start(ctx context.Context, initialChallenge ChallengeSnapshot) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.setState(StateRegistering)
	ready, err := c.addresses.Ready(c.ctx)
	if err != nil {
		return err
	}
	util.Infof("%d addresses ready to mine", len(ready))

	c.currentChallenge.Store(&initialChallenge)
	if err := c.engine.InitROM(initialChallenge.NoPreMine); err != nil {
		return err
	}
	for !c.engine.IsROMReady() {
		time.Sleep(10 * time.Millisecond)
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		default:
		}
	}

	c.setState(StateRunning)
	c.bus.Publish(events.KindMiningStart, initialChallenge)

	addrs := make([]walletsrc.Address, len(ready))
	copy(addrs, ready)

	c.wg.Add(1)
	go c.runLoop(addrs)

	if c.hourlyReset {
		c.wg.Add(1)
		go c.hourlyResetLoop()
	}

	return nil
}

// Stop transitions Running -> Draining -> Idle.
func (c *Coordinator) Stop() {
	c.setState(StateDraining)
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.setState(StateIdle)
}

func (c *Coordinator) runLoop(addresses []walletsrc.Address) {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		if c.State() != StateRunning {
			return
		}

		challengeID := c.currentChallengeID()
		for _, addr := range addresses {
			if c.State() != StateRunning {
				return
			}
			if c.gate.IsSolved(addr.Identifier, challengeID) {
				continue
			}
			c.mineCohort(addr.Identifier, false)
			c.triggerDevFee() // end of this user-address cohort, per §4.6
			if c.currentChallengeID() != challengeID {
				break // rotation mid-queue: restart the address loop under the new challenge
			}
		}

		if c.currentChallengeID() == challengeID {
			// address queue fully exhausted without rotation; avoid a
			// tight spin by waiting briefly for the next poll/rotation.
			time.Sleep(500 * time.Millisecond)
		}
	}
}

// mineCohort runs one W-worker cohort against address for the current
// challenge, per §4.2 steps 1-5.
func (c *Coordinator) mineCohort(address string, isDevFee bool) {
	c.mu.Lock()
	c.currentAddress = address
	c.mu.Unlock()

	snapVal := c.currentChallenge.Load()
	if snapVal == nil {
		return
	}
	snapshot := *snapVal.(*ChallengeSnapshot)

	ids := make([]WorkerId, c.workerThreads)
	for i := range ids {
		ids[i] = WorkerId(i)
	}
	c.gate.ResetCohort(address, snapshot.ChallengeID, ids)

	cohort := Cohort{
		IsRunning:        func() bool { return c.State() == StateRunning },
		CurrentAddress:   c.currentAddressName,
		CurrentChallenge: c.currentChallengeID,
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		w := NewWorker(id, address, snapshot, c.batchSize, c.gate, c.engine, c.bus, cohort)
		go func() {
			defer wg.Done()
			w.Run(c.ctx, c.live, isDevFee, ids)
		}()
	}
	wg.Wait()
}

// triggerDevFee computes expected_dev_fees and mines cohorts for
// however many are still owed, per §4.6.
func (c *Coordinator) triggerDevFee() {
	if !c.devFeeEnabled || c.devFeeRatio <= 0 {
		return
	}

	expected := c.gate.UserSolutions() / c.devFeeRatio
	needed := expected - c.gate.DevFeeSolutions()
	challengeID := c.currentChallengeID()

	for i := 0; i < needed; i++ {
		addr, err := c.nextDevFeeAddress(challengeID)
		if err != nil {
			util.Warnf("dev-fee trigger: %v", err)
			return
		}
		if addr == "" {
			return // collided twice in a row; skip, do not block user mining
		}
		c.bus.Publish(events.KindDevFeeTriggered, map[string]interface{}{
			"address": addr, "challenge_id": challengeID,
		})
		c.mineCohort(addr, true)
	}
}

func (c *Coordinator) nextDevFeeAddress(challengeID string) (string, error) {
	for attempt := 0; attempt < 2; attempt++ {
		addr, err := c.devfeeAddrs.NextAddress(c.ctx)
		if err != nil {
			return "", err
		}
		if !c.gate.IsSolved(addr, challengeID) {
			return addr, nil
		}
	}
	return "", nil
}

// hourlyResetLoop fires on every wall-clock hour boundary, per §4.7.
func (c *Coordinator) hourlyResetLoop() {
	defer c.wg.Done()

	for {
		wait := time.Until(nextHourBoundary(time.Now()))
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(wait):
			c.hourlyReset_()
		}
	}
}

func nextHourBoundary(now time.Time) time.Time {
	return now.Truncate(time.Hour).Add(time.Hour)
}

func (c *Coordinator) hourlyReset_() {
	util.Info("hourly reset firing")
	c.setState(StateDraining)

	c.engine.KillWorkers()

	snapVal := c.currentChallenge.Load()
	if snapVal != nil {
		snap := snapVal.(*ChallengeSnapshot)
		if err := c.engine.InitROM(snap.NoPreMine); err != nil {
			util.Errorf("hourly reset: ROM reinit failed: %v", err)
		}
		for !c.engine.IsROMReady() {
			time.Sleep(10 * time.Millisecond)
		}
	}

	c.setState(StateRunning)
}
