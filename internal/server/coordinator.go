package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/dreamware/sift/internal/cluster"
	"github.com/dreamware/sift/internal/config"
	"github.com/dreamware/sift/internal/coordinator"
	"github.com/dreamware/sift/internal/datasource"
	"github.com/dreamware/sift/internal/format"
	"github.com/dreamware/sift/internal/poll"
	"github.com/dreamware/sift/internal/search"
	"github.com/dreamware/sift/internal/session"
)

// Coordinator is a fully wired coordinator process: membership with health
// checks, the collector registry, cancellation delivery, sessions and the
// HTTP API on top.
type Coordinator struct {
	Membership *coordinator.Membership    // Registered nodes and shard owners
	Health     *coordinator.HealthMonitor // Polls node /health endpoints
	Collectors *search.Registry           // Running searches by task id
	Canceller  *search.Canceller          // Delivers cancellations to nodes
	Sessions   *session.Registry          // Client sessions and their queries

	handler http.Handler       // Full HTTP API
	logger  *zap.Logger
	cancel  context.CancelFunc // Stops the background loops
	wg      sync.WaitGroup     // Tracks the background loops
}

// NewCoordinator wires a coordinator from cfg. Nodes post results to
// cfg.Server.URL()+"/cluster/results".
//
// Parameters:
//   - cfg: Loaded and validated configuration
//   - logger: Root logger; each component gets a named child
//
// Returns:
//   - *Coordinator: Serves requests right away; call Start for the
//     background loops and Close on shutdown
//   - error: When the dispatcher or formatter settings are invalid
//
// Example:
//
//	coord, err := NewCoordinator(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	coord.Start(ctx)
//	defer coord.Close()
//	srv := &http.Server{Addr: cfg.Server.Addr, Handler: coord.Handler()}
func NewCoordinator(cfg *config.Config, logger *zap.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	health := coordinator.NewHealthMonitor(coordinator.HealthConfig{
		Logger:      logger.Named("health"),
		Interval:    cfg.Cluster.HealthInterval,
		Timeout:     cfg.Cluster.HealthTimeout,
		MaxFailures: cfg.Cluster.MaxFailures,
	})
	health.SetOnUnhealthy(func(id string) {
		logger.Warn("node excluded from new searches", zap.String("node", id))
	})
	health.SetOnHealthy(func(id string) {
		logger.Info("node available for searches", zap.String("node", id))
	})
	membership := coordinator.NewMembership(coordinator.NewShardRegistry(cfg.Cluster.NumShards), health, logger.Named("membership"))

	dispatcher, err := cluster.NewHTTPDispatcher(cluster.DispatcherConfig{
		Resolver:    membership,
		Logger:      logger.Named("dispatch"),
		ResultsURL:  cfg.Server.URL() + "/cluster/results",
		Parallelism: cfg.Cluster.Parallelism,
	})
	if err != nil {
		return nil, err
	}

	collectors := search.NewRegistry(search.RegistryConfig{
		Logger:       logger.Named("collectors"),
		KeepAliveTTL: cfg.Search.KeepAliveTTL,
		ReapInterval: cfg.Search.ReapInterval,
	})
	canceller := search.NewCanceller(dispatcher, cfg.Cluster.CancelTimeout, logger.Named("cancel"))
	catalog := datasource.NewCatalog(cfg.DataSources...)
	builder := search.NewBuilder(search.BuilderConfig{
		Catalog:           catalog,
		Nodes:             membership,
		Dispatcher:        dispatcher,
		Registry:          collectors,
		Canceller:         canceller,
		Logger:            logger.Named("search"),
		DefaultStoreSize:  cfg.Search.DefaultStoreSize,
		DefaultResultSize: cfg.Search.DefaultResultSize,
		DrainTimeout:      cfg.Search.DrainTimeout,
	})

	formatter, err := format.New(cfg.FormatOptions())
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	sessions := session.NewRegistry(session.RegistryConfig{
		Logger:      logger.Named("sessions"),
		IdleTTL:     cfg.Sessions.IdleTTL,
		MaxSessions: cfg.Sessions.MaxSessions,
	})

	api := New(Config{
		Membership: membership,
		Health:     health,
		Collectors: collectors,
		Catalog:    catalog,
		Logger:     logger.Named("http"),
		Poll: poll.NewHandler(poll.Config{
			Sessions:    sessions,
			Builder:     poll.FromSearch(builder),
			Formatter:   formatter,
			Logger:      logger.Named("poll"),
			MaxAwait:    cfg.Search.MaxAwait,
			Parallelism: cfg.Search.PollParallelism,
		}),
	})

	return &Coordinator{
		Membership: membership,
		Health:     health,
		Collectors: collectors,
		Canceller:  canceller,
		Sessions:   sessions,
		handler:    api.Routes(),
		logger:     logger,
	}, nil
}

// Handler returns the coordinator's HTTP handler.
func (c *Coordinator) Handler() http.Handler { return c.handler }

// Start runs the background loops: health checks, collector reaping and
// cancellation delivery.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		c.Health.Start(ctx, c.Membership.Nodes)
	}()
	go func() {
		defer c.wg.Done()
		c.Collectors.Run(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.Canceller.Run(ctx)
	}()
}

// Close destroys every session, which terminates their searches, then stops
// the background loops.
func (c *Coordinator) Close() {
	c.Sessions.Close()
	if c.cancel != nil {
		c.cancel()
	}
	c.Health.Stop()
	c.wg.Wait()
	c.logger.Info("coordinator stopped")
}
