// Package mining implements the core orchestrator: the Coordinator
// state machine, the Worker Pool that races a cohort of workers
// against one address, and the Submission Gate that serializes
// network submission per (address, challenge_id).
package mining

import "time"

// WorkerId identifies one worker within a cohort, in [0, W).
type WorkerId int

// WorkerStatus is a worker's current lifecycle phase.
type WorkerStatus string

const (
	StatusIdle       WorkerStatus = "idle"
	StatusMining     WorkerStatus = "mining"
	StatusSubmitting WorkerStatus = "submitting"
	StatusCompleted  WorkerStatus = "completed"
)

// ChallengeSnapshot is the frozen challenge view a cohort mines
// against. A worker's snapshot never changes during its lifetime; the
// Submission Gate re-fetches the live challenge to check freshness
// before accepting a candidate.
type ChallengeSnapshot struct {
	ChallengeID      string
	Difficulty       string
	NoPreMine        string
	NoPreMineHour    int
	LatestSubmission string
}

// WorkerState is the reportable state of one worker, published on the
// events bus as worker_update.
type WorkerState struct {
	ID               WorkerId
	TargetAddress    string
	HashesComputed   uint64
	HashRate         float64
	SolutionsFound   uint32
	Status           WorkerStatus
	CurrentChallenge string
	StartedAt        time.Time
}

// SolutionCandidate is a nonce/preimage/hash triple that passed the
// dual difficulty predicate and is ready for the Submission Gate.
type SolutionCandidate struct {
	WorkerID  WorkerId
	Address   string
	Snapshot  ChallengeSnapshot
	Nonce     string
	Preimage  []byte
	Hash      string
}

// cohortKey identifies one (address, challenge_id) pair, the key
// every mutual-exclusion structure (submitting, paused_addresses,
// submission_failures) is indexed by.
type cohortKey struct {
	Address     string
	ChallengeID string
}
