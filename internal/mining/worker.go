package mining

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/tos-network/tos-miner/internal/events"
	"github.com/tos-network/tos-miner/internal/hashengine"
	"github.com/tos-network/tos-miner/internal/preimage"
	"github.com/tos-network/tos-miner/internal/util"
)

// nonceSpacePartition is N in "nonce cursor starts at w * N".
const nonceSpacePartition = 1 << 30

// BatchSize is the number of {nonce, preimage} pairs generated per
// batch hash call, tunable 50-1000.
const defaultBatchSize = 300

const (
	retriableBackoff    = 2 * time.Second
	nonRetriableBackoff = 1 * time.Second
	progressEmitEvery   = 2 * time.Second
)

// Cohort is the barrier-check oracle shared by every worker in a
// cohort: whether the Coordinator is still Running for this
// (address, challenge_id), and whether the challenge has rotated.
type Cohort struct {
	IsRunning        func() bool
	CurrentAddress   func() string
	CurrentChallenge func() string
}

// Worker is a cooperative task bound to one (WorkerId, Address,
// ChallengeSnapshot) for its entire lifetime.
type Worker struct {
	ID        WorkerId
	Address   string
	Snapshot  ChallengeSnapshot
	BatchSize int

	gate   *Gate
	engine hashengine.Engine
	bus    *events.Bus
	cohort Cohort

	cursor         uint64
	hashesComputed uint64
	startedAt      time.Time

	lastEmit time.Time
}

// NewWorker builds a worker with its nonce cursor seeded at w*N.
func NewWorker(id WorkerId, address string, snapshot ChallengeSnapshot, batchSize int, gate *Gate, engine hashengine.Engine, bus *events.Bus, cohort Cohort) *Worker {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Worker{
		ID:        id,
		Address:   address,
		Snapshot:  snapshot,
		BatchSize: batchSize,
		gate:      gate,
		engine:    engine,
		bus:       bus,
		cohort:    cohort,
		cursor:    uint64(id) * nonceSpacePartition,
		startedAt: time.Now(),
	}
}

// Run executes the worker's batch loop until a barrier check fails, a
// sibling finds a solution, or the context is cancelled. It also
// returns once it has handed its own first candidate to the Gate,
// whatever the outcome of that submission. siblingIDs is
// every worker id in the cohort (including this one), passed through
// to the Gate on a found candidate so it can stop them all.
func (w *Worker) Run(ctx context.Context, live LiveChallenge, isDevFee bool, siblingIDs []WorkerId) {
	w.emitStatus(StatusMining)
	defer w.emitStatus(StatusCompleted)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !w.barrierOK() {
			return
		}

		preimages, nonces := w.buildBatch()

		hashes, err := w.engine.HashBatch(preimages)
		if err != nil {
			if err == hashengine.ErrKilled {
				return
			}
			time.Sleep(w.backoffFor(err))
			continue
		}

		if w.cohort.CurrentChallenge() != w.Snapshot.ChallengeID {
			return
		}

		atomic.AddUint64(&w.hashesComputed, uint64(len(hashes)))
		w.emitProgress()

		for i, hash := range hashes {
			matches, _ := preimage.MatchesHex(hash, w.Snapshot.Difficulty)
			if !matches {
				continue
			}

			cand := SolutionCandidate{
				WorkerID: w.ID, Address: w.Address, Snapshot: w.Snapshot,
				Nonce: nonces[i], Preimage: preimages[i], Hash: hash,
			}
			w.emitStatus(StatusSubmitting)
			if _, submitErr := w.gate.Submit(ctx, cand, live, isDevFee, siblingIDs); submitErr != nil {
				util.Warnf("worker %d: submission error for %s: %v", w.ID, w.Address, submitErr)
			}
			return
		}
	}
}

func (w *Worker) barrierOK() bool {
	if !w.cohort.IsRunning() {
		return false
	}
	if w.cohort.CurrentAddress() != w.Address {
		return false
	}
	if w.gate.IsStopped(w.ID) {
		return false
	}
	if w.gate.IsPaused(w.Address, w.Snapshot.ChallengeID) {
		return false
	}
	if w.gate.MaxFailuresReached(w.Address, w.Snapshot.ChallengeID) {
		return false
	}
	if w.gate.IsSolved(w.Address, w.Snapshot.ChallengeID) {
		return false
	}
	return true
}

func (w *Worker) buildBatch() ([][]byte, []string) {
	preimages := make([][]byte, 0, w.BatchSize)
	nonces := make([]string, 0, w.BatchSize)

	for i := 0; i < w.BatchSize; i++ {
		nonce := preimage.NewNonce(w.cursor)
		w.cursor++

		p := preimage.Serialize(preimage.Input{
			Nonce:            nonce,
			Address:          w.Address,
			ChallengeID:      w.Snapshot.ChallengeID,
			Difficulty:       w.Snapshot.Difficulty,
			NoPreMine:        w.Snapshot.NoPreMine,
			LatestSubmission: w.Snapshot.LatestSubmission,
			NoPreMineHour:    w.Snapshot.NoPreMineHour,
		})
		preimages = append(preimages, p)
		nonces = append(nonces, nonce)
	}
	return preimages, nonces
}

// backoffFor classifies a hash-batch error: a not-ready ROM is a
// transient condition worth a longer retry delay, everything else
// (malformed input) gets the short non-retriable delay before the
// barrier checks are re-evaluated.
func (w *Worker) backoffFor(err error) time.Duration {
	if err == hashengine.ErrROMNotReady {
		return retriableBackoff
	}
	return nonRetriableBackoff
}

func (w *Worker) emitStatus(status WorkerStatus) {
	w.bus.Publish(events.KindWorkerUpdate, w.State(status))
}

func (w *Worker) emitProgress() {
	now := time.Now()
	if now.Sub(w.lastEmit) < progressEmitEvery {
		return
	}
	w.lastEmit = now
	w.bus.Publish(events.KindHashProgress, w.State(StatusMining))
}

// State returns the worker's reportable state.
func (w *Worker) State(status WorkerStatus) WorkerState {
	elapsed := time.Since(w.startedAt).Seconds()
	hashes := atomic.LoadUint64(&w.hashesComputed)
	rate := 0.0
	if elapsed > 0 {
		rate = float64(hashes) / elapsed
	}
	return WorkerState{
		ID: w.ID, TargetAddress: w.Address, HashesComputed: hashes,
		HashRate: rate, Status: status, CurrentChallenge: w.Snapshot.ChallengeID,
		StartedAt: w.startedAt,
	}
}
