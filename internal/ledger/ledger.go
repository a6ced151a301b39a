// Package ledger is the durable append-only receipt/error log the
// orchestrator replays at startup to avoid duplicate submissions. The
// append-only-file idiom (os.OpenFile with O_APPEND|O_CREATE, one
// encoded record per write) is the teacher's logger file-sink pattern
// repurposed from log lines to JSON records.
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Receipt is one accepted solution, written after network accept.
type Receipt struct {
	Timestamp     time.Time       `json:"timestamp"`
	Address       string          `json:"address"`
	AddressIndex  int             `json:"address_index"`
	ChallengeID   string          `json:"challenge_id"`
	Nonce         string          `json:"nonce"`
	Hash          string          `json:"hash"`
	IsDevFee      bool            `json:"is_dev_fee"`
	CryptoReceipt json.RawMessage `json:"crypto_receipt,omitempty"`
}

// ErrorRecord is one rejected or failed submission attempt.
type ErrorRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	Address     string    `json:"address"`
	ChallengeID string    `json:"challenge_id"`
	Nonce       string    `json:"nonce"`
	Message     string    `json:"message"`
}

// record is the on-disk envelope distinguishing the two record types
// within a single JSONL stream.
type record struct {
	Type    string       `json:"type"`
	Receipt *Receipt     `json:"receipt,omitempty"`
	Error   *ErrorRecord `json:"error,omitempty"`
}

// Ledger is the append-only durable state log.
type Ledger struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
}

// Open opens (creating if necessary) the ledger file at path for
// appending.
func Open(path string) (*Ledger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return &Ledger{file: f, w: bufio.NewWriter(f)}, nil
}

// Close flushes buffered writes and closes the underlying file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}

// AppendReceipt durably appends an accepted solution's Receipt.
func (l *Ledger) AppendReceipt(r Receipt) error {
	return l.append(record{Type: "receipt", Receipt: &r})
}

// AppendError durably appends a rejected/failed submission's record.
func (l *Ledger) AppendError(e ErrorRecord) error {
	return l.append(record{Type: "error", Error: &e})
}

func (l *Ledger) append(rec record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal ledger record: %w", err)
	}
	if _, err := l.w.Write(b); err != nil {
		return fmt.Errorf("write ledger record: %w", err)
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return err
	}
	return l.w.Flush()
}

// State is the reconstructed in-memory view after Replay.
type State struct {
	SubmittedHashes         map[string]struct{}
	SolvedAddressChallenges map[string]map[string]struct{}
	UserSolutionsCount      int
	DevFeeSolutionsCount    int
}

// newState builds an empty State.
func newState() *State {
	return &State{
		SubmittedHashes:         make(map[string]struct{}),
		SolvedAddressChallenges: make(map[string]map[string]struct{}),
	}
}

// Replay reads every record in the ledger file at path and
// reconstructs submitted_hashes, solved_address_challenges,
// user_solutions_count, and dev_fee_solutions_count. The file need not
// exist; a missing file replays to an empty State.
func Replay(path string) (*State, error) {
	st := newState()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return nil, fmt.Errorf("open ledger for replay: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("parse ledger record: %w", err)
		}

		if rec.Type != "receipt" || rec.Receipt == nil {
			continue
		}

		r := rec.Receipt
		st.SubmittedHashes[r.Hash] = struct{}{}

		if _, ok := st.SolvedAddressChallenges[r.Address]; !ok {
			st.SolvedAddressChallenges[r.Address] = make(map[string]struct{})
		}
		st.SolvedAddressChallenges[r.Address][r.ChallengeID] = struct{}{}

		if r.IsDevFee {
			st.DevFeeSolutionsCount++
		} else {
			st.UserSolutionsCount++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan ledger: %w", err)
	}

	return st, nil
}

// IsSolved reports whether address already has an accepted receipt
// for challengeID, per the replayed State.
func (s *State) IsSolved(address, challengeID string) bool {
	challenges, ok := s.SolvedAddressChallenges[address]
	if !ok {
		return false
	}
	_, solved := challenges[challengeID]
	return solved
}
