package opstats

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/tos-network/tos-miner/internal/config"
	"github.com/tos-network/tos-miner/internal/events"
	"github.com/tos-network/tos-miner/internal/mining"
	"github.com/tos-network/tos-miner/internal/util"
)

const (
	keyPrefix       = "opstats:"
	keyHashrate     = keyPrefix + "hashrate"
	keyHashrateAddr = keyPrefix + "hashrate:%s"
	keySolved       = keyPrefix + "solved"
	keyUpstream     = keyPrefix + "upstream"
)

// Cache wraps a Redis connection used purely as a rebuildable
// operator-stats store.
type Cache struct {
	client *redis.Client
	window time.Duration
}

// NewCache connects to Redis and verifies it is reachable.
func NewCache(cfg config.OpStatsConfig, window time.Duration) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.URL,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("opstats: redis connection failed: %w", err)
	}

	if window <= 0 {
		window = 5 * time.Minute
	}

	util.Infof("opstats cache connected to redis at %s", cfg.URL)
	return &Cache{client: client, window: window}, nil
}

// Close closes the underlying Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

// RecordWorker stores one hashrate sample for (address, workerID) in
// both the global and per-address history, following the teacher's
// ZADD sorted-set hashrate pattern.
func (c *Cache) RecordWorker(ctx context.Context, state mining.WorkerState) error {
	now := time.Now()
	member := fmt.Sprintf("%d:%f:%d", state.ID, state.HashRate, now.UnixNano())

	pipe := c.client.Pipeline()
	pipe.ZAdd(ctx, keyHashrate, &redis.Z{Score: float64(now.Unix()), Member: member})

	addrKey := fmt.Sprintf(keyHashrateAddr, state.TargetAddress)
	pipe.ZAdd(ctx, addrKey, &redis.Z{Score: float64(now.Unix()), Member: member})
	pipe.Expire(ctx, addrKey, c.window)

	_, err := pipe.Exec(ctx)
	return err
}

// RecordSolved increments the accepted-solution counter for address.
func (c *Cache) RecordSolved(ctx context.Context, address string) error {
	return c.client.HIncrBy(ctx, keySolved, address, 1).Err()
}

// SolvedCount returns the cached accepted-solution count for address.
func (c *Cache) SolvedCount(ctx context.Context, address string) (int64, error) {
	v, err := c.client.HGet(ctx, keySolved, address).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

// AddressHashrate sums the most recent sample per worker id recorded
// for address within the cache's freshness window.
func (c *Cache) AddressHashrate(ctx context.Context, address string) (float64, error) {
	addrKey := fmt.Sprintf(keyHashrateAddr, address)
	minTime := time.Now().Add(-c.window).Unix()

	results, err := c.client.ZRangeByScore(ctx, addrKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(minTime, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, err
	}

	latestRate := make(map[int]float64)
	latestTS := make(map[int]int64)
	for _, member := range results {
		parts := strings.SplitN(member, ":", 3)
		if len(parts) != 3 {
			continue
		}
		workerID, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		rate, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			continue
		}
		ts, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			continue
		}
		if ts >= latestTS[workerID] {
			latestTS[workerID] = ts
			latestRate[workerID] = rate
		}
	}

	var total float64
	for _, rate := range latestRate {
		total += rate
	}
	return total, nil
}

// PurgeStale trims hashrate samples older than the cache's window from
// the global history.
func (c *Cache) PurgeStale(ctx context.Context) error {
	maxTime := time.Now().Add(-c.window).Unix()
	_, err := c.client.ZRemRangeByScore(ctx, keyHashrate, "-inf", strconv.FormatInt(maxTime, 10)).Result()
	return err
}

// SetUpstreamStatus caches a JSON snapshot of upstream endpoint
// health for the API layer to serve without touching the live
// network manager.
func (c *Cache) SetUpstreamStatus(ctx context.Context, statuses []UpstreamStatus) error {
	data, err := json.Marshal(statuses)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, keyUpstream, data, 0).Err()
}

// UpstreamStatus returns the last cached upstream health snapshot.
func (c *Cache) UpstreamStatus(ctx context.Context) ([]UpstreamStatus, error) {
	data, err := c.client.Get(ctx, keyUpstream).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var statuses []UpstreamStatus
	if err := json.Unmarshal([]byte(data), &statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

// Subscribe attaches the cache to the event bus: worker progress
// updates record hashrate samples, and accepted solutions increment
// the per-address solved counter. It runs until ctx is cancelled.
func (c *Cache) Subscribe(ctx context.Context, bus *events.Bus) {
	ch, unsubscribe := bus.Subscribe()
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				c.handleEvent(ctx, ev)
			}
		}
	}()
}

func (c *Cache) handleEvent(ctx context.Context, ev events.Event) {
	switch ev.Kind {
	case events.KindWorkerUpdate, events.KindHashProgress:
		state, ok := ev.Data.(mining.WorkerState)
		if !ok {
			return
		}
		if err := c.RecordWorker(ctx, state); err != nil {
			util.Warnf("opstats: record worker sample: %v", err)
		}
	case events.KindSolution:
		cand, ok := ev.Data.(mining.SolutionCandidate)
		if !ok {
			return
		}
		if err := c.RecordSolved(ctx, cand.Address); err != nil {
			util.Warnf("opstats: record solved count: %v", err)
		}
	}
}
