// TOS Miner - mining client for TOS Hash V3
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tos-network/tos-miner/internal/api"
	"github.com/tos-network/tos-miner/internal/challenge"
	"github.com/tos-network/tos-miner/internal/config"
	"github.com/tos-network/tos-miner/internal/devfee"
	"github.com/tos-network/tos-miner/internal/events"
	"github.com/tos-network/tos-miner/internal/hashengine"
	"github.com/tos-network/tos-miner/internal/ledger"
	"github.com/tos-network/tos-miner/internal/mining"
	"github.com/tos-network/tos-miner/internal/newrelic"
	"github.com/tos-network/tos-miner/internal/notify"
	"github.com/tos-network/tos-miner/internal/opstats"
	"github.com/tos-network/tos-miner/internal/policy"
	"github.com/tos-network/tos-miner/internal/profiling"
	"github.com/tos-network/tos-miner/internal/rpc"
	"github.com/tos-network/tos-miner/internal/util"
	"github.com/tos-network/tos-miner/internal/walletsrc"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tos-miner v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	util.Infof("tos-miner v%s starting", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()

	replayed, err := ledger.Replay(cfg.Ledger.Path)
	if err != nil {
		util.Fatalf("Failed to replay ledger: %v", err)
	}
	util.Infof("ledger replay: %d receipts, %d errors", len(replayed.Receipts), len(replayed.Errors))

	led, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		util.Fatalf("Failed to open ledger: %v", err)
	}
	defer led.Close()

	manager := rpc.NewNetworkManager(ctx, &cfg.Network)
	manager.Start()
	defer manager.Stop()

	wallet := walletsrc.NewHTTPSource(cfg.Wallet.URL, cfg.Wallet.Username, cfg.Wallet.Password, cfg.Wallet.Timeout)

	var devFeeSource devfee.Source
	if cfg.Mining.DevFeeEnabled {
		httpSource := devfee.NewHTTPSource(cfg.DevFee.URL, cfg.DevFee.Timeout, cfg.DevFee.PrewarmCount)
		if err := httpSource.Prewarm(ctx); err != nil {
			util.Warnf("dev-fee prewarm: %v", err)
		}
		devFeeSource = httpSource
	}

	engine := hashengine.NewScratchpadEngine()

	breaker := policy.NewPollBreaker(&policy.Config{
		FailureThreshold:  int32(cfg.Security.PollFailureThreshold),
		FailureWindow:     cfg.Security.PollFailureWindow,
		RecoveryThreshold: int32(cfg.Security.RecoveryThreshold),
	})

	var coordinator *mining.Coordinator

	poller := challenge.NewPoller(manager, breaker, bus, cfg.Mining.PollInterval, func(snap mining.ChallengeSnapshot) {
		if err := coordinator.RotateChallenge(snap); err != nil {
			util.Errorf("challenge rotation: %v", err)
		}
	}, func() {
		util.Info("mining window closed, stopping coordinator")
		coordinator.Stop()
	})

	coordinator = mining.NewCoordinator(mining.Config{
		Addresses:     wallet,
		DevFeeAddrs:   devFeeSource,
		Network:       manager.Client(),
		Engine:        engine,
		Ledger:        led,
		Bus:           bus,
		Live:          poller,
		Replayed:      replayed,
		WorkerThreads: cfg.Mining.WorkerThreads,
		BatchSize:     cfg.Mining.BatchSize,
		MaxFailures:   cfg.Mining.MaxSubmissionFailures,
		DevFeeRatio:   cfg.Mining.DevFeeRatio,
		DevFeeEnabled: cfg.Mining.DevFeeEnabled,
		HourlyReset:   cfg.Mining.HourlyResetEnabled,
	})

	if err := poller.Start(ctx); err != nil {
		util.Fatalf("Failed to start challenge poller: %v", err)
	}
	defer poller.Stop()

	initial, ok := poller.Snapshot()
	if !ok {
		util.Fatalf("no challenge snapshot available after initial poll")
	}
	if err := coordinator.Start(ctx, initial); err != nil {
		util.Fatalf("Failed to start mining coordinator: %v", err)
	}
	defer coordinator.Stop()

	cache, err := opstats.NewCache(cfg.OpStats, cfg.OpStats.HashrateWindow)
	if err != nil {
		util.Fatalf("Failed to connect opstats cache: %v", err)
	}
	defer cache.Close()
	cache.Subscribe(ctx, bus)
	go cache.RunUpstreamSnapshotter(ctx, manager, cfg.Network.HealthCheckInterval)

	addresses := make([]string, 0)
	if ready, err := wallet.Ready(ctx); err == nil {
		for _, a := range ready {
			addresses = append(addresses, a.Identifier)
		}
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API, coordinator, cache, bus, addresses)
		if err := apiServer.Start(); err != nil {
			util.Fatalf("Failed to start API server: %v", err)
		}
		defer apiServer.Stop()
	}

	notifier := notify.NewNotifier(cfg.Notify)
	notifier.Subscribe(ctx, bus)

	var pprofServer *profiling.Server
	if cfg.Profiling.Enabled {
		pprofServer = profiling.NewServer(&cfg.Profiling)
		if err := pprofServer.Start(); err != nil {
			util.Errorf("Failed to start pprof server: %v", err)
		}
		defer pprofServer.Stop()
	}

	var nrAgent *newrelic.Agent
	if cfg.NewRelic.Enabled {
		nrAgent = newrelic.NewAgent(&cfg.NewRelic)
		if err := nrAgent.Start(); err != nil {
			util.Errorf("Failed to start New Relic agent: %v", err)
		}
		defer nrAgent.Stop()
	}
	recordMetrics(ctx, bus, nrAgent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	util.Info("tos-miner started successfully. Press Ctrl+C to stop.")

	<-sigChan
	util.Info("Shutting down...")
	cancel()
}

// recordMetrics forwards solution and hashrate events to the New
// Relic agent, a no-op when disabled.
func recordMetrics(ctx context.Context, bus *events.Bus, agent *newrelic.Agent) {
	if agent == nil {
		return
	}

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
				switch ev.Kind {
				case events.KindSolutionResult:
					if m, ok := ev.Data.(map[string]interface{}); ok {
						address, _ := m["address"].(string)
						challengeID, _ := m["challenge_id"].(string)
						accepted, _ := m["accepted"].(bool)
						agent.RecordSolutionSubmission(address, challengeID, false, accepted)
					}
				case events.KindWorkerUpdate, events.KindHashProgress:
					if state, ok := ev.Data.(mining.WorkerState); ok {
						agent.RecordWorkerHashrate(int(state.ID), state.TargetAddress, state.HashRate)
					}
				case events.KindError:
					if msg, ok := ev.Data.(string); ok {
						agent.RecordNetworkDown(msg)
					}
				}
			}
		}
	}()
}
