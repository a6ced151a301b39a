// Package preimage implements the pure serialization and difficulty
// predicate that every worker and the Submission Gate agree on. Nothing here performs I/O or logging: the hash primitive itself is
// an external collaborator (internal/hashengine), not this package's
// concern.
package preimage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/tos-network/tos-miner/internal/util"
)

// Input carries every byte that feeds a preimage. A ChallengeSnapshot plus
// a worker's (address, nonce) maps onto this one-to-one.
type Input struct {
	Nonce             string // 16 lowercase hex chars, big-endian 64-bit
	Address           string
	ChallengeID       string
	Difficulty        string // 8 hex chars, 32 bits
	NoPreMine         string
	LatestSubmission  string
	NoPreMineHour     int
}

// Serialize builds the preimage bytes per the fixed field order: nonce,
// address, challenge_id, difficulty, no_pre_mine, latest_submission,
// no_pre_mine_hour (decimal ASCII). No separators, no padding, no
// trimming.
func Serialize(in Input) []byte {
	var buf bytes.Buffer
	buf.WriteString(in.Nonce)
	buf.WriteString(in.Address)
	buf.WriteString(in.ChallengeID)
	buf.WriteString(in.Difficulty)
	buf.WriteString(in.NoPreMine)
	buf.WriteString(in.LatestSubmission)
	buf.WriteString(strconv.Itoa(in.NoPreMineHour))
	return buf.Bytes()
}

// NewNonce renders a uint64 cursor value as the 16-hex-char big-endian
// nonce the serializer expects.
func NewNonce(cursor uint64) string {
	return util.NonceToHex(cursor)
}

// leadingZeroBits counts the number of leading zero bits across a byte
// slice, most-significant byte first.
func leadingZeroBits(b []byte) int {
	count := 0
	for _, by := range b {
		if by == 0 {
			count += 8
			continue
		}
		for bit := 7; bit >= 0; bit-- {
			if by&(1<<uint(bit)) != 0 {
				return count
			}
			count++
		}
	}
	return count
}

// Matches evaluates the dual difficulty predicate: the hash must have at
// least Z leading zero bits (Z derived from difficulty's own leading zero
// bits), and every bit set in the hash's first 32 bits must also be set
// in difficulty's 32-bit value.
func Matches(hash []byte, difficultyHex string) (bool, error) {
	diffBytes, err := util.HexToBytes(difficultyHex)
	if err != nil {
		return false, fmt.Errorf("decode difficulty: %w", err)
	}
	if len(diffBytes) != 4 {
		return false, fmt.Errorf("difficulty must be 4 bytes (8 hex chars), got %d", len(diffBytes))
	}
	if len(hash) < 4 {
		return false, fmt.Errorf("hash must be at least 4 bytes, got %d", len(hash))
	}

	z := leadingZeroBits(diffBytes)
	if leadingZeroBits(hash) < z {
		return false, nil
	}

	m32 := binary.BigEndian.Uint32(diffBytes)
	h32 := binary.BigEndian.Uint32(hash[:4])
	return (h32 | m32) == m32, nil
}

// MatchesHex is Matches for a hex-encoded hash, the shape returned by the
// hash engine's HashBatch.
func MatchesHex(hashHex, difficultyHex string) (bool, error) {
	hash, err := util.HexToBytes(hashHex)
	if err != nil {
		return false, fmt.Errorf("decode hash: %w", err)
	}
	return Matches(hash, difficultyHex)
}
