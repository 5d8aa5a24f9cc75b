package node

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/sift/internal/cluster"
)

// Registration retries.
const (
	RegisterAttempts = 10                     // Attempts before giving up
	RegisterBackoff  = 400 * time.Millisecond // Delay between attempts
)

// Register announces the node to the coordinator, retrying while the
// coordinator is not reachable yet. Registering again with the same id
// updates the address and keeps the node's shards.
//
// Parameters:
//   - ctx: Cancelling it stops the retries
//   - coordinator: Base URL of the coordinator
//   - info: This node's id and the base URL the coordinator should use
//   - logger: Receives one warning per failed attempt; may be nil
//
// Returns:
//   - error: ctx.Err() when cancelled, or the last attempt's error
//
// Example:
//
//	err := Register(ctx, "http://coordinator:8080", cluster.NodeInfo{
//	    ID:   "node-1",
//	    Addr: "http://10.0.0.5:8081",
//	}, logger)
func Register(ctx context.Context, coordinator string, info cluster.NodeInfo, logger *zap.Logger) error {
	return register(ctx, coordinator, info, logger, RegisterAttempts, RegisterBackoff)
}

func register(ctx context.Context, coordinator string, info cluster.NodeInfo, logger *zap.Logger, attempts int, backoff time.Duration) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	body := cluster.RegisterRequest{Node: info}
	var lastErr error
	for i := 0; i < attempts; i++ {
		lastErr = cluster.PostJSON(ctx, coordinator+"/register", body, nil)
		if lastErr == nil {
			logger.Info("registered with coordinator", zap.String("coordinator", coordinator))
			return nil
		}
		logger.Warn("register retry", zap.Int("attempt", i+1), zap.Error(lastErr))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("node: register with %s: %w", coordinator, lastErr)
}
