package mining

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tos-network/tos-miner/internal/events"
	"github.com/tos-network/tos-miner/internal/hashengine"
	"github.com/tos-network/tos-miner/internal/ledger"
	"github.com/tos-network/tos-miner/internal/rpc"
)

// stubEngine drives worker.go's batch loop deterministically. With
// hash set, every candidate gets that fixed value (for single-worker
// tests where dedup collisions don't matter); with hash empty, every
// candidate gets a distinct value from a shared counter so concurrent
// workers/cohorts in the same test don't collide in the Gate's
// submitted-hash dedup set.
type stubEngine struct {
	notReadyCount int32
	calls         int32
	hash          string
	uniqueCounter int32
}

func (e *stubEngine) InitROM(noPreMine string) error { return nil }
func (e *stubEngine) IsROMReady() bool                { return true }
func (e *stubEngine) HashBatch(preimages [][]byte) ([]string, error) {
	atomic.AddInt32(&e.calls, 1)
	if atomic.AddInt32(&e.notReadyCount, -1) >= 0 {
		return nil, hashengine.ErrROMNotReady
	}
	out := make([]string, len(preimages))
	for i := range out {
		if e.hash != "" {
			out[i] = e.hash
			continue
		}
		n := atomic.AddInt32(&e.uniqueCounter, 1)
		out[i] = fmt.Sprintf("%08x", n)
	}
	return out, nil
}
func (e *stubEngine) KillWorkers() {}

func newTestGateForWorker(t *testing.T, engine hashengine.Engine) *Gate {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.jsonl"))
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	client := &fakeClient{submitResult: &rpc.SubmissionResult{Accepted: true}}
	return NewGate(client, l, events.NewBus(), engine, 3, nil)
}

func alwaysRunningCohort(address, challengeID string) Cohort {
	return Cohort{
		IsRunning:        func() bool { return true },
		CurrentAddress:   func() string { return address },
		CurrentChallenge: func() string { return challengeID },
	}
}

func TestWorker_Run_FindsAndSubmitsSolution(t *testing.T) {
	engine := &stubEngine{hash: "00000000"} // matches difficulty "ffffffff" unconditionally
	gate := newTestGateForWorker(t, engine)
	bus := events.NewBus()

	snap := ChallengeSnapshot{ChallengeID: "c1", Difficulty: "ffffffff", NoPreMine: "00", NoPreMineHour: 1, LatestSubmission: "s1"}
	cohort := alwaysRunningCohort("addrA", "c1")

	w := NewWorker(0, "addrA", snap, 5, gate, engine, bus, cohort)
	live := fakeLive{snap: snap, ok: true}

	done := make(chan struct{})
	go func() {
		w.Run(context.Background(), live, false, []WorkerId{0})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not return within timeout")
	}

	if !gate.IsSolved("addrA", "c1") {
		t.Error("expected addrA/c1 marked solved after worker found a match")
	}
}

func TestWorker_Run_StopsWhenBarrierFails(t *testing.T) {
	engine := &stubEngine{hash: "ffffffff"} // "ffffffff" hash fails a strict difficulty below
	gate := newTestGateForWorker(t, engine)
	bus := events.NewBus()

	snap := ChallengeSnapshot{ChallengeID: "c1", Difficulty: "00000001", NoPreMine: "00", NoPreMineHour: 1, LatestSubmission: "s1"}
	cohort := Cohort{
		IsRunning:        func() bool { return false }, // barrier fails immediately
		CurrentAddress:   func() string { return "addrA" },
		CurrentChallenge: func() string { return "c1" },
	}

	w := NewWorker(1, "addrA", snap, 5, gate, engine, bus, cohort)
	live := fakeLive{snap: snap, ok: true}

	done := make(chan struct{})
	go func() {
		w.Run(context.Background(), live, false, []WorkerId{1})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit promptly when IsRunning barrier failed")
	}

	if atomic.LoadInt32(&engine.calls) != 0 {
		t.Errorf("expected no hash batches when the barrier fails before the first batch, got %d", engine.calls)
	}
}

func TestWorker_Run_StopsWhenAddressMismatched(t *testing.T) {
	engine := &stubEngine{hash: "ffffffff"}
	gate := newTestGateForWorker(t, engine)
	bus := events.NewBus()

	snap := ChallengeSnapshot{ChallengeID: "c1", Difficulty: "00000001", NoPreMine: "00", NoPreMineHour: 1, LatestSubmission: "s1"}
	cohort := Cohort{
		IsRunning:        func() bool { return true },
		CurrentAddress:   func() string { return "someOtherAddress" },
		CurrentChallenge: func() string { return "c1" },
	}

	w := NewWorker(2, "addrA", snap, 5, gate, engine, bus, cohort)
	live := fakeLive{snap: snap, ok: true}

	done := make(chan struct{})
	go func() {
		w.Run(context.Background(), live, false, []WorkerId{2})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit when bound to a stale address")
	}
}

func TestWorker_Run_ExitsWhenStopped(t *testing.T) {
	engine := &stubEngine{hash: "ffffffff"}
	gate := newTestGateForWorker(t, engine)
	bus := events.NewBus()

	snap := ChallengeSnapshot{ChallengeID: "c1", Difficulty: "00000001", NoPreMine: "00", NoPreMineHour: 1, LatestSubmission: "s1"}
	cohort := alwaysRunningCohort("addrA", "c1")

	w := NewWorker(3, "addrA", snap, 5, gate, engine, bus, cohort)
	gate.StopSiblings("addrA", "c1", []WorkerId{3})
	live := fakeLive{snap: snap, ok: true}

	done := make(chan struct{})
	go func() {
		w.Run(context.Background(), live, false, []WorkerId{3})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit once marked stopped")
	}
}

func TestWorker_BuildBatch_AdvancesCursorFromPartition(t *testing.T) {
	engine := &stubEngine{}
	gate := newTestGateForWorker(t, engine)
	bus := events.NewBus()
	snap := ChallengeSnapshot{ChallengeID: "c1", Difficulty: "ffffffff"}
	cohort := alwaysRunningCohort("addrA", "c1")

	w := NewWorker(2, "addrA", snap, 4, gate, engine, bus, cohort)
	if w.cursor != 2*nonceSpacePartition {
		t.Errorf("cursor = %d, want %d", w.cursor, 2*nonceSpacePartition)
	}

	preimages, nonces := w.buildBatch()
	if len(preimages) != 4 || len(nonces) != 4 {
		t.Fatalf("expected a batch of 4, got %d preimages, %d nonces", len(preimages), len(nonces))
	}
	if w.cursor != 2*nonceSpacePartition+4 {
		t.Errorf("cursor after one batch = %d, want %d", w.cursor, 2*nonceSpacePartition+4)
	}
	for i := 1; i < len(nonces); i++ {
		if nonces[i] == nonces[i-1] {
			t.Errorf("expected distinct nonces, got duplicate at %d", i)
		}
	}
}

func TestWorker_BackoffFor(t *testing.T) {
	w := &Worker{}
	if got := w.backoffFor(hashengine.ErrROMNotReady); got != retriableBackoff {
		t.Errorf("backoffFor(ErrROMNotReady) = %v, want %v", got, retriableBackoff)
	}
	if got := w.backoffFor(hashengine.ErrKilled); got != nonRetriableBackoff {
		t.Errorf("backoffFor(ErrKilled) = %v, want %v", got, nonRetriableBackoff)
	}
}
