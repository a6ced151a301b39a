package rpc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tos-network/tos-miner/internal/config"
	"github.com/tos-network/tos-miner/internal/util"
)

// endpoint pairs a NetworkClient with its configured weight and the
// failover manager's view of its health.
type endpoint struct {
	client *HTTPClient
	name   string
	weight int

	mu           sync.RWMutex
	healthy      bool
	failCount    int
	successCount int
}

// NetworkManager manages one or more configured challenge/submission
// endpoints with weighted health-check failover, generalizing the
// single-upstream case to many.
type NetworkManager struct {
	endpoints []*endpoint
	cfg       *config.NetworkConfig

	activeIdx int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNetworkManager builds a NetworkManager from configuration.
func NewNetworkManager(ctx context.Context, cfg *config.NetworkConfig) *NetworkManager {
	mgrCtx, cancel := context.WithCancel(ctx)

	m := &NetworkManager{
		cfg:    cfg,
		ctx:    mgrCtx,
		cancel: cancel,
	}

	if len(cfg.Upstreams) > 0 {
		for _, ucfg := range cfg.Upstreams {
			timeout := ucfg.Timeout
			if timeout == 0 {
				timeout = cfg.Timeout
			}
			weight := ucfg.Weight
			if weight == 0 {
				weight = 1
			}
			name := ucfg.Name
			if name == "" {
				name = ucfg.URL
			}
			m.endpoints = append(m.endpoints, &endpoint{
				client:  NewHTTPClient(ucfg.URL, timeout),
				name:    name,
				weight:  weight,
				healthy: true,
			})
		}
	} else if cfg.URL != "" {
		m.endpoints = append(m.endpoints, &endpoint{
			client:  NewHTTPClient(cfg.URL, cfg.Timeout),
			name:    "primary",
			weight:  1,
			healthy: true,
		})
	}

	sort.Slice(m.endpoints, func(i, j int) bool {
		return m.endpoints[i].weight > m.endpoints[j].weight
	})

	return m
}

// Start begins the background health-check loop.
func (m *NetworkManager) Start() {
	if len(m.endpoints) == 0 {
		util.Warn("network manager: no upstream endpoints configured")
		return
	}

	util.Infof("network manager starting with %d endpoint(s)", len(m.endpoints))
	m.checkAll()

	m.wg.Add(1)
	go m.healthCheckLoop()
}

// Stop shuts down the health-check loop.
func (m *NetworkManager) Stop() {
	m.cancel()
	m.wg.Wait()
	util.Info("network manager stopped")
}

func (m *NetworkManager) healthCheckLoop() {
	defer m.wg.Done()

	interval := m.cfg.HealthCheckInterval
	if interval == 0 {
		interval = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.checkAll()
		}
	}
}

func (m *NetworkManager) checkAll() {
	var wg sync.WaitGroup
	for _, ep := range m.endpoints {
		wg.Add(1)
		go func(e *endpoint) {
			defer wg.Done()
			m.checkOne(e)
		}(ep)
	}
	wg.Wait()
	m.selectBest()
}

func (m *NetworkManager) checkOne(ep *endpoint) {
	timeout := m.cfg.HealthCheckTimeout
	if timeout == 0 {
		timeout = 3 * time.Second
	}

	ctx, cancel := context.WithTimeout(m.ctx, timeout)
	defer cancel()

	_, err := ep.client.GetChallenge(ctx)

	ep.mu.Lock()
	defer ep.mu.Unlock()

	if err != nil {
		ep.client.recordFailure()
		ep.failCount++
		ep.successCount = 0

		maxFailures := m.cfg.MaxFailures
		if maxFailures == 0 {
			maxFailures = 3
		}
		if ep.failCount >= maxFailures && ep.healthy {
			ep.healthy = false
			util.Warnf("endpoint %s marked unhealthy after %d failures: %v", ep.name, ep.failCount, err)
		}
		return
	}

	ep.client.recordSuccess()
	ep.successCount++

	recoveryThreshold := m.cfg.RecoveryThreshold
	if recoveryThreshold == 0 {
		recoveryThreshold = 2
	}
	if !ep.healthy && ep.successCount >= recoveryThreshold {
		ep.healthy = true
		ep.failCount = 0
		util.Infof("endpoint %s recovered", ep.name)
	} else if ep.healthy {
		ep.failCount = 0
	}
}

func (m *NetworkManager) selectBest() {
	bestIdx := -1
	bestWeight := -1

	for i, ep := range m.endpoints {
		ep.mu.RLock()
		healthy := ep.healthy
		weight := ep.weight
		ep.mu.RUnlock()

		if !healthy {
			continue
		}
		if weight > bestWeight {
			bestIdx = i
			bestWeight = weight
		}
	}

	if bestIdx >= 0 {
		old := atomic.LoadInt32(&m.activeIdx)
		if int32(bestIdx) != old {
			atomic.StoreInt32(&m.activeIdx, int32(bestIdx))
			util.Infof("network manager switched to endpoint %s", m.endpoints[bestIdx].name)
		}
	} else {
		util.Warn("network manager: no healthy endpoints available")
	}
}

// Client returns the currently active NetworkClient.
func (m *NetworkManager) Client() NetworkClient {
	if len(m.endpoints) == 0 {
		return nil
	}
	idx := atomic.LoadInt32(&m.activeIdx)
	if idx >= 0 && idx < int32(len(m.endpoints)) {
		return m.endpoints[idx].client
	}
	return m.endpoints[0].client
}

// HasHealthyEndpoint reports whether at least one endpoint is healthy.
func (m *NetworkManager) HasHealthyEndpoint() bool {
	for _, ep := range m.endpoints {
		ep.mu.RLock()
		healthy := ep.healthy
		ep.mu.RUnlock()
		if healthy {
			return true
		}
	}
	return false
}

// EndpointCount returns the number of configured endpoints.
func (m *NetworkManager) EndpointCount() int {
	return len(m.endpoints)
}

// EndpointStatus reports one endpoint's name, weight, and health.
type EndpointStatus struct {
	Name    string
	Weight  int
	Healthy bool
	Active  bool
}

// Statuses returns a point-in-time health snapshot of every configured
// endpoint, for the operator-stats cache to publish.
func (m *NetworkManager) Statuses() []EndpointStatus {
	activeIdx := atomic.LoadInt32(&m.activeIdx)
	statuses := make([]EndpointStatus, len(m.endpoints))
	for i, ep := range m.endpoints {
		ep.mu.RLock()
		healthy := ep.healthy
		ep.mu.RUnlock()
		statuses[i] = EndpointStatus{Name: ep.name, Weight: ep.weight, Healthy: healthy, Active: int32(i) == activeIdx}
	}
	return statuses
}

// CallWithFailover runs fn against the active client, falling back to
// other healthy endpoints on failure.
func (m *NetworkManager) CallWithFailover(fn func(NetworkClient) error) error {
	client := m.Client()
	if client == nil {
		return fmt.Errorf("network manager: no endpoints configured")
	}

	if err := fn(client); err == nil {
		return nil
	} else {
		activeIdx := atomic.LoadInt32(&m.activeIdx)
		for i, ep := range m.endpoints {
			if int32(i) == activeIdx {
				continue
			}
			ep.mu.RLock()
			healthy := ep.healthy
			ep.mu.RUnlock()
			if !healthy {
				continue
			}
			if ferr := fn(ep.client); ferr == nil {
				atomic.StoreInt32(&m.activeIdx, int32(i))
				util.Infof("network manager failover: now using %s", ep.name)
				return nil
			}
		}
		return err
	}
}
