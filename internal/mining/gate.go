package mining

import (
	"context"
	"fmt"
	"sync"

	"github.com/tos-network/tos-miner/internal/events"
	"github.com/tos-network/tos-miner/internal/hashengine"
	"github.com/tos-network/tos-miner/internal/ledger"
	"github.com/tos-network/tos-miner/internal/preimage"
	"github.com/tos-network/tos-miner/internal/rpc"
	"github.com/tos-network/tos-miner/internal/util"
)

// LiveChallenge is the freshness oracle the Gate consults before
// submitting: the live, Poller-maintained view of the challenge, which
// may have drifted from a cohort's frozen snapshot since it started.
type LiveChallenge interface {
	Snapshot() (ChallengeSnapshot, bool)
}

// Gate is the Submission Gate: it owns the mutual-exclusion and
// dedup/solved-set state shared by every worker across every cohort,
// and performs the exact accept/reject sequence of a found candidate
// under a per-(address, challenge_id) lock.
type Gate struct {
	client rpc.NetworkClient
	ledger *ledger.Ledger
	bus    *events.Bus
	engine hashengine.Engine

	maxFailures int

	mu              sync.RWMutex
	solved          map[string]map[string]struct{}
	submittedHashes map[string]struct{}
	failures        map[cohortKey]int

	submitting sync.Map // cohortKey -> struct{}
	paused     sync.Map // cohortKey -> struct{}
	stopped    sync.Map // WorkerId -> struct{}

	userSolutions   int
	devFeeSolutions int
}

// NewGate builds a Gate, seeding its dedup/solved state from a
// replayed ledger.State so a restart never resubmits a hash or
// re-mines an already-solved (address, challenge_id).
func NewGate(client rpc.NetworkClient, l *ledger.Ledger, bus *events.Bus, engine hashengine.Engine, maxFailures int, replayed *ledger.State) *Gate {
	g := &Gate{
		client:          client,
		ledger:          l,
		bus:             bus,
		engine:          engine,
		maxFailures:     maxFailures,
		solved:          make(map[string]map[string]struct{}),
		submittedHashes: make(map[string]struct{}),
		failures:        make(map[cohortKey]int),
	}
	if replayed != nil {
		for addr, challenges := range replayed.SolvedAddressChallenges {
			g.solved[addr] = make(map[string]struct{}, len(challenges))
			for cid := range challenges {
				g.solved[addr][cid] = struct{}{}
			}
		}
		for hash := range replayed.SubmittedHashes {
			g.submittedHashes[hash] = struct{}{}
		}
		g.userSolutions = replayed.UserSolutionsCount
		g.devFeeSolutions = replayed.DevFeeSolutionsCount
	}
	return g
}

// IsSolved reports whether address already has an accepted solution
// for challengeID.
func (g *Gate) IsSolved(address, challengeID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	challenges, ok := g.solved[address]
	if !ok {
		return false
	}
	_, solved := challenges[challengeID]
	return solved
}

// IsPaused reports whether no further batches should start for
// (address, challengeID).
func (g *Gate) IsPaused(address, challengeID string) bool {
	_, paused := g.paused.Load(cohortKey{address, challengeID})
	return paused
}

// IsStopped reports whether worker id has been told to exit.
func (g *Gate) IsStopped(id WorkerId) bool {
	_, stopped := g.stopped.Load(id)
	return stopped
}

// FailureCount returns the current submission failure count for
// (address, challengeID).
func (g *Gate) FailureCount(address, challengeID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.failures[cohortKey{address, challengeID}]
}

// MaxFailuresReached reports whether (address, challengeID) has hit
// the configured submission failure cap.
func (g *Gate) MaxFailuresReached(address, challengeID string) bool {
	return g.FailureCount(address, challengeID) >= g.maxFailures
}

// UserSolutions returns the current non-dev-fee solution count.
func (g *Gate) UserSolutions() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.userSolutions
}

// DevFeeSolutions returns the current dev-fee solution count.
func (g *Gate) DevFeeSolutions() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.devFeeSolutions
}

// ResetCohort clears stopped_workers and paused_addresses for a new
// cohort about to start on (address, challengeID). Coordinator step 2
// of §4.2.
func (g *Gate) ResetCohort(address, challengeID string, workerIDs []WorkerId) {
	g.paused.Delete(cohortKey{address, challengeID})
	for _, id := range workerIDs {
		g.stopped.Delete(id)
	}
}

// StopSiblings marks every worker id in the cohort as stopped and
// pauses (address, challengeID) so no further batches start.
func (g *Gate) StopSiblings(address, challengeID string, workerIDs []WorkerId) {
	g.paused.Store(cohortKey{address, challengeID}, struct{}{})
	for _, id := range workerIDs {
		g.stopped.Store(id, struct{}{})
	}
}

// resumeSiblings clears paused_addresses for the cohort. Callers also
// clear the siblings' stopped marks so other cohort workers resume
// mining after a reject/error (step 7).
func (g *Gate) resumeSiblings(address, challengeID string) {
	g.paused.Delete(cohortKey{address, challengeID})
}

// Submit runs the exact submission sequence of §4.4 for a found
// candidate, under the per-(address, challenge_id) lock.
func (g *Gate) Submit(ctx context.Context, cand SolutionCandidate, live LiveChallenge, isDevFee bool, siblingWorkerIDs []WorkerId) (accepted bool, err error) {
	key := cohortKey{cand.Address, cand.Snapshot.ChallengeID}

	// 1. Deduplicate.
	g.mu.RLock()
	_, dup := g.submittedHashes[cand.Hash]
	g.mu.RUnlock()
	if dup {
		return false, nil
	}

	// 2. Acquire lock.
	if _, alreadyHeld := g.submitting.LoadOrStore(key, struct{}{}); alreadyHeld {
		return false, nil
	}
	defer g.submitting.Delete(key)

	// 3. Stop siblings.
	g.StopSiblings(cand.Address, cand.Snapshot.ChallengeID, siblingWorkerIDs)

	g.mu.Lock()
	g.submittedHashes[cand.Hash] = struct{}{}
	g.mu.Unlock()

	g.bus.Publish(events.KindSolutionSubmit, cand)

	// 4. Pre-submit freshness check.
	nonce, hash := cand.Nonce, cand.Hash
	liveSnap, ok := live.Snapshot()
	if ok && liveSnap.ChallengeID != cand.Snapshot.ChallengeID {
		// Rotated away from the cohort's frozen challenge entirely: the
		// candidate is for a challenge_id the network no longer
		// considers live. Discard without submitting and without
		// counting against submission_failures.
		g.mu.Lock()
		delete(g.submittedHashes, cand.Hash)
		g.mu.Unlock()
		g.resumeSiblings(cand.Address, cand.Snapshot.ChallengeID)
		return false, nil
	}
	if ok && liveSnap.ChallengeID == cand.Snapshot.ChallengeID {
		if liveSnap.LatestSubmission != cand.Snapshot.LatestSubmission ||
			liveSnap.NoPreMineHour != cand.Snapshot.NoPreMineHour ||
			liveSnap.NoPreMine != cand.Snapshot.NoPreMine {

			freshPreimage := preimage.Serialize(preimage.Input{
				Nonce:            nonce,
				Address:          cand.Address,
				ChallengeID:      liveSnap.ChallengeID,
				Difficulty:       liveSnap.Difficulty,
				NoPreMine:        liveSnap.NoPreMine,
				LatestSubmission: liveSnap.LatestSubmission,
				NoPreMineHour:    liveSnap.NoPreMineHour,
			})
			hashes, hashErr := g.engine.HashBatch([][]byte{freshPreimage})
			if hashErr != nil {
				for _, id := range siblingWorkerIDs {
					g.stopped.Delete(id)
				}
				g.resumeSiblings(cand.Address, cand.Snapshot.ChallengeID)
				return false, fmt.Errorf("re-hash for freshness check: %w", hashErr)
			}
			hash = hashes[0]
		}

		matches, matchErr := preimage.MatchesHex(hash, liveSnap.Difficulty)
		if matchErr != nil || !matches {
			g.mu.Lock()
			delete(g.submittedHashes, cand.Hash)
			g.mu.Unlock()
			for _, id := range siblingWorkerIDs {
				g.stopped.Delete(id)
			}
			g.resumeSiblings(cand.Address, cand.Snapshot.ChallengeID)
			return false, nil
		}
	}

	// 5. Submit.
	result, submitErr := g.client.SubmitSolution(ctx, cand.Address, cand.Snapshot.ChallengeID, nonce)

	if submitErr != nil {
		// 7. On reject/error.
		g.mu.Lock()
		delete(g.submittedHashes, cand.Hash)
		g.failures[key]++
		failCount := g.failures[key]
		g.mu.Unlock()

		g.ledger.AppendError(ledger.ErrorRecord{
			Address: cand.Address, ChallengeID: cand.Snapshot.ChallengeID,
			Nonce: nonce, Message: submitErr.Error(),
		})
		for _, id := range siblingWorkerIDs {
			g.stopped.Delete(id)
		}
		g.resumeSiblings(cand.Address, cand.Snapshot.ChallengeID)

		g.bus.Publish(events.KindSolutionResult, map[string]interface{}{
			"address": cand.Address, "challenge_id": cand.Snapshot.ChallengeID,
			"accepted": false, "error": submitErr.Error(), "failures": failCount,
		})
		util.Warnf("solution rejected for %s/%s: %v (failures=%d)", cand.Address, cand.Snapshot.ChallengeID, submitErr, failCount)
		return false, submitErr
	}

	// 6. On accept.
	g.mu.Lock()
	if _, ok := g.solved[cand.Address]; !ok {
		g.solved[cand.Address] = make(map[string]struct{})
	}
	g.solved[cand.Address][cand.Snapshot.ChallengeID] = struct{}{}
	delete(g.failures, key)
	if isDevFee {
		g.devFeeSolutions++
	} else {
		g.userSolutions++
	}
	g.mu.Unlock()
	g.paused.Delete(key)

	if err := g.ledger.AppendReceipt(ledger.Receipt{
		Address: cand.Address, ChallengeID: cand.Snapshot.ChallengeID,
		Nonce: nonce, Hash: hash, IsDevFee: isDevFee,
		CryptoReceipt: result.CryptoReceipt,
	}); err != nil {
		util.Errorf("failed to append receipt for %s/%s: %v", cand.Address, cand.Snapshot.ChallengeID, err)
	}

	g.bus.Publish(events.KindSolution, cand)
	g.bus.Publish(events.KindSolutionResult, map[string]interface{}{
		"address": cand.Address, "challenge_id": cand.Snapshot.ChallengeID, "accepted": true,
	})
	util.Infof("solution accepted for %s/%s (dev_fee=%v)", cand.Address, cand.Snapshot.ChallengeID, isDevFee)
	return true, nil
}
