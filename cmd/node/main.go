// Command node runs a sift execution node. It stores the records of the
// shards the coordinator routes to it, and runs search tasks over them,
// streaming partial results back to the coordinator.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/dreamware/sift/internal/cluster"
	"github.com/dreamware/sift/internal/config"
	"github.com/dreamware/sift/internal/node"
)

type options struct {
	v       *viper.Viper
	cfgFile string
}

func main() {
	opts := &options{v: viper.New()}
	if err := newRootCmd(opts).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "node",
		Short:        "Run a sift execution node",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger, err := cfg.Logging.NewLogger()
			if err != nil {
				return err
			}
			logger = logger.With(zap.String("node", cfg.Node.ID))
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.cfgFile, "config", "c", "", "config file (default ./sift.yaml, then /etc/sift/sift.yaml)")
	flags.String("id", "", "node id")
	flags.String("addr", "", "listen address")
	flags.String("public-url", "", "base URL the coordinator uses to reach this node")
	flags.String("coordinator", "", "coordinator base URL")
	flags.Int("batch-size", 0, "records scanned between result deltas")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (json, text)")
	for key, flag := range map[string]string{
		"node.id":          "id",
		"node.addr":        "addr",
		"node.public_url":  "public-url",
		"node.coordinator": "coordinator",
		"node.batch_size":  "batch-size",
		"logging.level":    "log-level",
		"logging.format":   "log-format",
	} {
		_ = opts.v.BindPFlag(key, flags.Lookup(flag))
	}
	return cmd
}

// load reads the configuration; a node needs an id and a coordinator.
func (o *options) load() (*config.Config, error) {
	cfg, err := config.Load(o.v, o.cfgFile)
	if err != nil {
		return nil, err
	}
	if cfg.Node.ID == "" {
		return nil, errors.New("node id is required (--id or SIFT_NODE_ID)")
	}
	if cfg.Node.Coordinator == "" {
		return nil, errors.New("coordinator is required (--coordinator or SIFT_NODE_COORDINATOR)")
	}
	return cfg, nil
}

// run serves the node until ctx is done. Shards are created on demand as
// the coordinator routes records to them.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	n := node.NewNode(cfg.Node.ID, logger, cfg.Node.BatchSize)
	api := node.NewAPI(n, logger)
	defer api.Close()

	s := &http.Server{
		Addr:              cfg.Node.Addr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("node listening", zap.String("addr", cfg.Node.Addr), zap.String("public_url", cfg.Node.URL()))
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", zap.Error(err))
		}
		logger.Info("node stopped")
	}()

	info := cluster.NodeInfo{ID: cfg.Node.ID, Addr: cfg.Node.URL()}
	if err := node.Register(ctx, cfg.Node.Coordinator, info, logger); err != nil {
		return err
	}

	select {
	case err := <-errc:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
		return nil
	}
}
