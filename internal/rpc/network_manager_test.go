package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tos-network/tos-miner/internal/config"
)

func challengeServer(t *testing.T, healthy *bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !*healthy {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(ChallengeState{Code: ChallengeActive})
	}))
}

func newTestManager(t *testing.T, cfg *config.NetworkConfig) *NetworkManager {
	t.Helper()
	m := NewNetworkManager(context.Background(), cfg)
	t.Cleanup(m.Stop)
	return m
}

func TestNewNetworkManager_SortsByWeightDescending(t *testing.T) {
	cfg := &config.NetworkConfig{
		Upstreams: []config.UpstreamConfig{
			{Name: "low", URL: "http://a.example.com", Weight: 1},
			{Name: "high", URL: "http://b.example.com", Weight: 10},
			{Name: "mid", URL: "http://c.example.com", Weight: 5},
		},
	}
	m := newTestManager(t, cfg)
	if m.endpoints[0].name != "high" || m.endpoints[1].name != "mid" || m.endpoints[2].name != "low" {
		t.Fatalf("unexpected endpoint order: %v, %v, %v", m.endpoints[0].name, m.endpoints[1].name, m.endpoints[2].name)
	}
}

func TestNetworkManager_FallsBackToSingleURL(t *testing.T) {
	cfg := &config.NetworkConfig{URL: "http://solo.example.com"}
	m := newTestManager(t, cfg)
	if len(m.endpoints) != 1 {
		t.Fatalf("expected 1 endpoint, got %d", len(m.endpoints))
	}
	if m.endpoints[0].name != "primary" {
		t.Errorf("name = %q, want primary", m.endpoints[0].name)
	}
}

func TestNetworkManager_MarksUnhealthyAfterMaxFailures(t *testing.T) {
	healthy := false
	srv := challengeServer(t, &healthy)
	defer srv.Close()

	cfg := &config.NetworkConfig{
		Upstreams:   []config.UpstreamConfig{{Name: "flaky", URL: srv.URL, Weight: 1}},
		MaxFailures: 2,
		HealthCheckTimeout: time.Second,
	}
	m := newTestManager(t, cfg)

	m.checkOne(m.endpoints[0])
	if !m.endpoints[0].healthy {
		t.Fatal("endpoint should still be healthy after 1 failure (threshold 2)")
	}
	m.checkOne(m.endpoints[0])
	if m.endpoints[0].healthy {
		t.Fatal("endpoint should be unhealthy after 2 failures")
	}
}

func TestNetworkManager_RecoversAfterRecoveryThreshold(t *testing.T) {
	healthy := false
	srv := challengeServer(t, &healthy)
	defer srv.Close()

	cfg := &config.NetworkConfig{
		Upstreams:         []config.UpstreamConfig{{Name: "flaky", URL: srv.URL, Weight: 1}},
		MaxFailures:       1,
		RecoveryThreshold: 2,
		HealthCheckTimeout: time.Second,
	}
	m := newTestManager(t, cfg)

	m.checkOne(m.endpoints[0])
	if m.endpoints[0].healthy {
		t.Fatal("expected unhealthy after 1 failure (threshold 1)")
	}

	healthy = true
	m.checkOne(m.endpoints[0])
	if m.endpoints[0].healthy {
		t.Fatal("should need 2 consecutive successes to recover")
	}
	m.checkOne(m.endpoints[0])
	if !m.endpoints[0].healthy {
		t.Fatal("expected healthy after 2 consecutive successes")
	}
}

func TestNetworkManager_SelectBestPicksHighestWeightHealthy(t *testing.T) {
	healthyA, healthyB := true, true
	srvA := challengeServer(t, &healthyA)
	defer srvA.Close()
	srvB := challengeServer(t, &healthyB)
	defer srvB.Close()

	cfg := &config.NetworkConfig{
		Upstreams: []config.UpstreamConfig{
			{Name: "a", URL: srvA.URL, Weight: 1},
			{Name: "b", URL: srvB.URL, Weight: 10},
		},
		HealthCheckTimeout: time.Second,
	}
	m := newTestManager(t, cfg)
	m.checkAll()

	client := m.Client()
	if client.URL() != srvB.URL {
		t.Errorf("active client = %s, want higher-weight %s", client.URL(), srvB.URL)
	}
}

func TestNetworkManager_CallWithFailover(t *testing.T) {
	healthyA, healthyB := true, true
	srvA := challengeServer(t, &healthyA)
	defer srvA.Close()
	srvB := challengeServer(t, &healthyB)
	defer srvB.Close()

	cfg := &config.NetworkConfig{
		Upstreams: []config.UpstreamConfig{
			{Name: "a", URL: srvA.URL, Weight: 10},
			{Name: "b", URL: srvB.URL, Weight: 1},
		},
		HealthCheckTimeout: time.Second,
	}
	m := newTestManager(t, cfg)
	m.checkAll()

	calls := 0
	err := m.CallWithFailover(func(c NetworkClient) error {
		calls++
		if c.URL() == srvA.URL {
			return context.DeadlineExceeded
		}
		return nil
	})
	if err != nil {
		t.Fatalf("CallWithFailover: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2 (primary fails, secondary succeeds)", calls)
	}
}

func TestNetworkManager_HasHealthyEndpoint(t *testing.T) {
	healthy := true
	srv := challengeServer(t, &healthy)
	defer srv.Close()

	cfg := &config.NetworkConfig{
		Upstreams:          []config.UpstreamConfig{{Name: "a", URL: srv.URL, Weight: 1}},
		MaxFailures:        1,
		HealthCheckTimeout: time.Second,
	}
	m := newTestManager(t, cfg)
	if !m.HasHealthyEndpoint() {
		t.Fatal("expected healthy endpoint before any checks (default healthy=true)")
	}

	healthy = false
	m.checkOne(m.endpoints[0])
	if m.HasHealthyEndpoint() {
		t.Fatal("expected no healthy endpoints after failure")
	}
}
