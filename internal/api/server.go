// Package api is the read-only operator REST + live event stream
// surface: snapshot endpoints backed by internal/opstats and the
// Coordinator, plus a WebSocket fan-out of internal/events.
package api

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tos-network/tos-miner/internal/config"
	"github.com/tos-network/tos-miner/internal/events"
	"github.com/tos-network/tos-miner/internal/mining"
	"github.com/tos-network/tos-miner/internal/opstats"
	"github.com/tos-network/tos-miner/internal/util"
)

// Server is the operator-facing REST + event-stream server.
type Server struct {
	cfg         config.APIConfig
	coordinator *mining.Coordinator
	cache       *opstats.Cache
	bus         *events.Bus
	addresses   []string

	router     *gin.Engine
	httpServer *http.Server

	workersMu sync.RWMutex
	workers   map[mining.WorkerId]mining.WorkerState

	unsubscribe func()
}

// StatsResponse is the /stats response.
type StatsResponse struct {
	Status          mining.State `json:"status"`
	ChallengeID     string       `json:"challenge_id"`
	WorkerThreads   int          `json:"worker_threads"`
	UserSolutions   int          `json:"user_solutions"`
	DevFeeSolutions int          `json:"dev_fee_solutions"`
	TotalHashrate   float64      `json:"total_hashrate"`
	Now             int64        `json:"now"`
}

// AddressResponse is the /addresses/:id response.
type AddressResponse struct {
	Address     string  `json:"address"`
	Hashrate    float64 `json:"hashrate"`
	SolvedCount int64   `json:"solved_count"`
	Solved      bool    `json:"solved_current_challenge"`
}

// NewServer builds the operator API server. addresses is the set of
// wallet addresses the orchestrator is mining for, used to aggregate
// total hashrate; /addresses/:id lookups are not checked against it.
func NewServer(cfg config.APIConfig, coordinator *mining.Coordinator, cache *opstats.Cache, bus *events.Bus, addresses []string) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:         cfg,
		coordinator: coordinator,
		cache:       cache,
		bus:         bus,
		addresses:   addresses,
		router:      router,
		workers:     make(map[mining.WorkerId]mining.WorkerState),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.corsMiddleware())

	s.router.GET("/stats", s.handleStats)
	s.router.GET("/workers", s.handleWorkers)
	s.router.GET("/addresses/:id", s.handleAddress)
	s.router.GET("/upstreams", s.handleUpstreams)
	s.router.GET("/events", s.handleEvents)

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", origins[0])
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Start begins the HTTP server and the background worker-state
// tracker; it does not block.
func (s *Server) Start() error {
	ch, unsubscribe := s.bus.Subscribe()
	s.unsubscribe = unsubscribe
	go s.trackWorkers(ch)

	s.httpServer = &http.Server{
		Addr:    s.cfg.Bind,
		Handler: s.router,
	}

	util.Infof("API server listening on %s", s.cfg.Bind)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("API server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts down the HTTP server and the worker-state tracker.
func (s *Server) Stop() error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// trackWorkers keeps the latest WorkerState per worker id so
// /workers can be served without a redis round trip per request.
func (s *Server) trackWorkers(ch <-chan events.Event) {
	for ev := range ch {
		if ev.Kind != events.KindWorkerUpdate && ev.Kind != events.KindHashProgress {
			continue
		}
		state, ok := ev.Data.(mining.WorkerState)
		if !ok {
			continue
		}
		s.workersMu.Lock()
		s.workers[state.ID] = state
		s.workersMu.Unlock()
	}
}

func (s *Server) handleStats(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	var total float64
	for _, addr := range s.addresses {
		rate, err := s.cache.AddressHashrate(ctx, addr)
		if err != nil {
			util.Warnf("api: address hashrate for %s: %v", addr, err)
			continue
		}
		total += rate
	}

	c.JSON(http.StatusOK, StatsResponse{
		Status:          s.coordinator.State(),
		ChallengeID:     s.coordinator.CurrentChallengeID(),
		WorkerThreads:   s.coordinator.WorkerThreads(),
		UserSolutions:   s.coordinator.UserSolutions(),
		DevFeeSolutions: s.coordinator.DevFeeSolutions(),
		TotalHashrate:   total,
		Now:             time.Now().Unix(),
	})
}

func (s *Server) handleWorkers(c *gin.Context) {
	s.workersMu.RLock()
	states := make([]mining.WorkerState, 0, len(s.workers))
	for _, st := range s.workers {
		states = append(states, st)
	}
	s.workersMu.RUnlock()

	sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })
	c.JSON(http.StatusOK, gin.H{"workers": states})
}

func (s *Server) handleAddress(c *gin.Context) {
	address := c.Param("id")

	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	hashrate, err := s.cache.AddressHashrate(ctx, address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read hashrate"})
		return
	}

	solvedCount, err := s.cache.SolvedCount(ctx, address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read solved count"})
		return
	}

	c.JSON(http.StatusOK, AddressResponse{
		Address:     address,
		Hashrate:    hashrate,
		SolvedCount: solvedCount,
		Solved:      s.coordinator.IsSolved(address),
	})
}

func (s *Server) handleUpstreams(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	statuses, err := s.cache.UpstreamStatus(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read upstream status"})
		return
	}

	healthy := 0
	active := ""
	for _, u := range statuses {
		if u.Healthy {
			healthy++
		}
		if u.Active {
			active = u.Name
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"upstreams": statuses,
		"total":     len(statuses),
		"healthy":   healthy,
		"active":    active,
	})
}
