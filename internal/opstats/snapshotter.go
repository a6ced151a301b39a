package opstats

import (
	"context"
	"time"

	"github.com/tos-network/tos-miner/internal/rpc"
	"github.com/tos-network/tos-miner/internal/util"
)

// RunUpstreamSnapshotter periodically caches the network manager's
// endpoint health so the API layer can serve it without touching the
// live manager directly. It blocks until ctx is cancelled.
func (c *Cache) RunUpstreamSnapshotter(ctx context.Context, manager *rpc.NetworkManager, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	snapshot := func() {
		raw := manager.Statuses()
		statuses := make([]UpstreamStatus, len(raw))
		for i, s := range raw {
			statuses[i] = UpstreamStatus{Name: s.Name, Weight: s.Weight, Healthy: s.Healthy, Active: s.Active}
		}
		if err := c.SetUpstreamStatus(ctx, statuses); err != nil {
			util.Warnf("opstats: cache upstream status: %v", err)
		}
	}

	snapshot()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot()
		}
	}
}
