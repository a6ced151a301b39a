// Package hashengine is the one concrete implementation of the opaque
// hash-primitive collaborator the orchestrator depends on: a
// memory-hard scratchpad mix over blake3, with a per-challenge ROM that
// amortizes the expensive mixing work across an entire batch of
// candidate preimages.
package hashengine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zeebo/blake3"

	"github.com/tos-network/tos-miner/internal/util"
)

const (
	// romWords is the ROM scratchpad size in 64-bit words (64KB / 8).
	romWords = 8192

	mixingRounds = 8
	memoryPasses = 4
	mixConstant  = 0x517cc1b727220a95

	outputSize = 32
)

var strides = [4]int{1, 64, 256, 1024}

// ErrKilled is returned by HashBatch when KillWorkers interrupted a
// batch in progress; the caller must discard the partial result.
var ErrKilled = errors.New("hashengine: batch killed")

// ErrROMNotReady is returned by HashBatch when called before InitROM's
// background build has finished.
var ErrROMNotReady = errors.New("hashengine: ROM not ready")

// Engine is the collaborator the Worker Pool hands preimage batches to.
// One Engine instance is shared by every worker in a cohort.
type Engine interface {
	// InitROM (re)builds the ROM for a challenge from its no_pre_mine
	// field. Idempotent per challenge; asynchronous — IsROMReady polls
	// completion.
	InitROM(noPreMine string) error
	// IsROMReady reports whether the most recent InitROM has finished.
	IsROMReady() bool
	// HashBatch hashes each preimage and returns an equal-length,
	// lowercase-hex-encoded hash vector. Returns ErrKilled if
	// KillWorkers fired mid-batch.
	HashBatch(preimages [][]byte) ([]string, error)
	// KillWorkers cancels any HashBatch currently in flight; later
	// HashBatch calls also return ErrKilled until the next InitROM.
	KillWorkers()
}

// ScratchpadEngine is the memory-hard blake3-scratchpad implementation.
type ScratchpadEngine struct {
	mu  sync.RWMutex
	rom []uint64

	ready atomic.Bool

	killMu sync.Mutex
	killCh chan struct{}
}

// NewScratchpadEngine constructs an Engine with no ROM loaded; InitROM
// must be called before the first HashBatch.
func NewScratchpadEngine() *ScratchpadEngine {
	return &ScratchpadEngine{killCh: make(chan struct{})}
}

// InitROM rebuilds the ROM in the background from no_pre_mine (an opaque
// hex string). Safe to call again on rotation; the prior ROM remains
// usable by any in-flight HashBatch until the new one swaps in.
func (e *ScratchpadEngine) InitROM(noPreMine string) error {
	seed, err := util.HexToBytes(noPreMine)
	if err != nil {
		return fmt.Errorf("decode no_pre_mine: %w", err)
	}

	e.ready.Store(false)
	e.killMu.Lock()
	e.killCh = make(chan struct{})
	e.killMu.Unlock()

	go func() {
		rom := buildROM(seed)
		e.mu.Lock()
		e.rom = rom
		e.mu.Unlock()
		e.ready.Store(true)
	}()

	return nil
}

// IsROMReady reports whether the background ROM build has completed.
func (e *ScratchpadEngine) IsROMReady() bool {
	return e.ready.Load()
}

// HashBatch hashes each preimage against the current ROM.
func (e *ScratchpadEngine) HashBatch(preimages [][]byte) ([]string, error) {
	if !e.IsROMReady() {
		return nil, ErrROMNotReady
	}

	e.mu.RLock()
	rom := e.rom
	e.mu.RUnlock()

	e.killMu.Lock()
	kill := e.killCh
	e.killMu.Unlock()

	hashes := make([]string, 0, len(preimages))
	for _, pre := range preimages {
		select {
		case <-kill:
			return nil, ErrKilled
		default:
		}
		hashes = append(hashes, util.BytesToHexNoPre(hashOne(rom, pre)))
	}
	return hashes, nil
}

// KillWorkers cancels any batch currently iterating in HashBatch. The
// kill channel stays closed until the next InitROM, so every HashBatch
// started in between also returns ErrKilled.
func (e *ScratchpadEngine) KillWorkers() {
	e.killMu.Lock()
	defer e.killMu.Unlock()
	select {
	case <-e.killCh:
		// already closed for this generation
	default:
		close(e.killCh)
	}
}

// buildROM expands a seed into a romWords-length scratchpad: blake3 of
// the seed bootstraps four running states, then forward/backward mixing
// passes diffuse them across the whole table. This is the expensive,
// per-challenge step the ROM amortizes across an entire mining cohort.
func buildROM(seed []byte) []uint64 {
	scratchpad := make([]uint64, romWords)

	hasher := blake3.New()
	hasher.Write(seed)
	hash := hasher.Sum(nil)

	var state [4]uint64
	for i := 0; i < 4; i++ {
		state[i] = binary.LittleEndian.Uint64(hash[i*8 : (i+1)*8])
	}

	for i := 0; i < romWords; i++ {
		idx := i % 4
		state[idx] = mix(state[idx], state[(idx+1)%4], i)
		scratchpad[i] = state[idx]
	}

	for pass := 0; pass < memoryPasses; pass++ {
		if pass%2 == 0 {
			carry := scratchpad[romWords-1]
			for i := 0; i < romWords; i++ {
				var prev uint64
				if i > 0 {
					prev = scratchpad[i-1]
				} else {
					prev = scratchpad[romWords-1]
				}
				scratchpad[i] = mix(scratchpad[i], prev^carry, pass)
				carry = scratchpad[i]
			}
		} else {
			carry := scratchpad[0]
			for i := romWords - 1; i >= 0; i-- {
				var next uint64
				if i < romWords-1 {
					next = scratchpad[i+1]
				} else {
					next = scratchpad[0]
				}
				scratchpad[i] = mix(scratchpad[i], next^carry, pass)
				carry = scratchpad[i]
			}
		}
	}

	return scratchpad
}

// hashOne folds a preimage into a private copy of the ROM, strided-mixes
// it, and finalizes to a 32-byte hash. Deterministic: same (rom,
// preimage) always yields the same hash.
func hashOne(rom []uint64, preimage []byte) []byte {
	scratchpad := make([]uint64, len(rom))
	copy(scratchpad, rom)

	hasher := blake3.New()
	hasher.Write(preimage)
	seed := hasher.Sum(nil)

	for i := 0; i < 4; i++ {
		word := binary.LittleEndian.Uint64(seed[i*8 : (i+1)*8])
		pos := int(word % uint64(len(scratchpad)))
		scratchpad[pos] ^= word
	}

	for round := 0; round < mixingRounds; round++ {
		stride := strides[round%len(strides)]
		for i := 0; i < len(scratchpad); i++ {
			j := (i + stride) % len(scratchpad)
			k := (i + stride*2) % len(scratchpad)

			a := scratchpad[i]
			b := scratchpad[j]
			c := scratchpad[k]

			scratchpad[i] = mix(a, b^c, round)
		}
	}

	var folded [4]uint64
	for i := 0; i < len(scratchpad); i++ {
		folded[i%4] ^= scratchpad[i]
	}

	var buf [32]byte
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint64(buf[i*8:(i+1)*8], folded[i])
	}

	final := blake3.New()
	final.Write(buf[:])
	return final.Sum(nil)[:outputSize]
}

// mix is the core diffusion step shared by ROM construction and the
// per-preimage strided pass.
func mix(a, b uint64, round int) uint64 {
	rot := uint((round * 7) % 64)
	x := a + b
	y := a ^ rotateLeft(b, rot)
	z := x * mixConstant
	return z ^ rotateRight(y, rot/2)
}

func rotateLeft(x uint64, k uint) uint64 {
	k &= 63
	return (x << k) | (x >> (64 - k))
}

func rotateRight(x uint64, k uint) uint64 {
	k &= 63
	return (x >> k) | (x << (64 - k))
}
