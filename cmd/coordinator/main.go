// Command coordinator runs the sift coordinator: it tracks execution nodes,
// routes ingested records to the shard owners, and serves client polls by
// fanning searches out to the healthy nodes and aggregating their results.
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

	"github.com/dreamware/sift/internal/config"
	"github.com/dreamware/sift/internal/server"
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
		Use:          "coordinator",
		Short:        "Run the sift coordinator",
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
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.cfgFile, "config", "c", "", "config file (default ./sift.yaml, then /etc/sift/sift.yaml)")
	flags.String("addr", "", "listen address")
	flags.String("public-url", "", "base URL nodes use to reach the coordinator")
	flags.Int("shards", 0, "number of shards")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (json, text)")
	for key, flag := range map[string]string{
		"server.addr":        "addr",
		"server.public_url":  "public-url",
		"cluster.num_shards": "shards",
		"logging.level":      "log-level",
		"logging.format":     "log-format",
	} {
		_ = opts.v.BindPFlag(key, flags.Lookup(flag))
	}
	return cmd
}

func (o *options) load() (*config.Config, error) {
	return config.Load(o.v, o.cfgFile)
}

// run serves the coordinator until ctx is done, then shuts down gracefully.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	coord, err := server.NewCoordinator(cfg, logger)
	if err != nil {
		return err
	}
	coord.Start(ctx)
	defer coord.Close()

	s := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           coord.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("coordinator listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("public_url", cfg.Server.URL()),
			zap.Int("shards", cfg.Cluster.NumShards),
			zap.Int("datasources", len(cfg.DataSources)))
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
	return nil
}
