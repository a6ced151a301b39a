// Package devfee provides the round-robin developer-fee address pool
// source the Coordinator draws from at the end of every user-address
// cohort. The Coordinator draws from it only at that point; a user
// submission that crosses the dev-fee ratio boundary does not trigger
// a draw by itself.
package devfee

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Source hands out one dev-fee address per call.
type Source interface {
	// NextAddress returns a candidate dev-fee address. If a candidate
	// already has a receipt for the current challenge, the caller
	// should call NextAddress again to request a fresh one.
	NextAddress(ctx context.Context) (string, error)
}

// HTTPSource fetches addresses from an external pool service and
// pre-warms a local ring buffer so a momentary pool outage does not
// block the dev-fee trigger.
type HTTPSource struct {
	endpoint string
	client   *http.Client

	mu      sync.Mutex
	ring    []string
	cursor  int
	refill  int
}

// NewHTTPSource builds an HTTPSource with an empty ring; prewarmCount
// (default 10) is the number of entries Prewarm fills the ring up to.
func NewHTTPSource(endpoint string, timeout time.Duration, prewarmCount int) *HTTPSource {
	if prewarmCount <= 0 {
		prewarmCount = 10
	}
	return &HTTPSource{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		refill:   prewarmCount,
	}
}

// Prewarm fills the ring buffer from the pool service. Call once at
// startup; safe to call again to top up after draining.
func (s *HTTPSource) Prewarm(ctx context.Context) error {
	s.mu.Lock()
	need := s.refill - (len(s.ring) - s.cursor)
	s.mu.Unlock()

	if need <= 0 {
		return nil
	}

	fresh := make([]string, 0, need)
	for i := 0; i < need; i++ {
		addr, err := s.fetchOne(ctx)
		if err != nil {
			return fmt.Errorf("prewarm dev-fee pool: %w", err)
		}
		fresh = append(fresh, addr)
	}

	s.mu.Lock()
	s.ring = append(s.ring[s.cursor:], fresh...)
	s.cursor = 0
	s.mu.Unlock()
	return nil
}

// NextAddress returns the next ring entry. Once the ring is drained it
// fetches a single address from the pool service per call; the ring
// itself is refilled only by Prewarm.
func (s *HTTPSource) NextAddress(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.cursor < len(s.ring) {
		addr := s.ring[s.cursor]
		s.cursor++
		s.mu.Unlock()
		return addr, nil
	}
	s.mu.Unlock()

	addr, err := s.fetchOne(ctx)
	if err != nil {
		return "", err
	}
	return addr, nil
}

func (s *HTTPSource) fetchOne(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"/address", nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch dev-fee address: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("dev-fee pool error: status %d, body: %s", resp.StatusCode, string(body))
	}

	var out struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("parse dev-fee address: %w", err)
	}
	if out.Address == "" {
		return "", fmt.Errorf("dev-fee pool returned empty address")
	}
	return out.Address, nil
}
