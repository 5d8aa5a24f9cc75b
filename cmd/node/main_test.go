package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/sift/internal/cluster"
)

func TestLoadRequiresIdentity(t *testing.T) {
	t.Chdir(t.TempDir())

	tests := []struct {
		name string
		args []string
		ok   bool
	}{
		{"missing id", []string{"--coordinator", "http://coord:8080"}, false},
		{"missing coordinator", []string{"--id", "n1"}, false},
		{"complete", []string{"--id", "n1", "--coordinator", "http://coord:8080", "--batch-size", "50"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := &options{v: viper.New()}
			require.NoError(t, newRootCmd(opts).ParseFlags(tt.args))
			cfg, err := opts.load()
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "n1", cfg.Node.ID)
			assert.Equal(t, 50, cfg.Node.BatchSize)
			assert.Equal(t, ":8081", cfg.Node.Addr)
		})
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SIFT_NODE_ID", "n7")
	t.Setenv("SIFT_NODE_COORDINATOR", "http://coord:8080")

	opts := &options{v: viper.New()}
	require.NoError(t, newRootCmd(opts).ParseFlags(nil))
	cfg, err := opts.load()
	require.NoError(t, err)
	assert.Equal(t, "n7", cfg.Node.ID)
	assert.Equal(t, "http://coord:8080", cfg.Node.Coordinator)
}

func TestRunRegistersAndServes(t *testing.T) {
	t.Chdir(t.TempDir())

	var (
		mu  sync.Mutex
		reg []cluster.NodeInfo
	)
	coord := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req cluster.RegisterRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		reg = append(reg, req.Node)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer coord.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	opts := &options{v: viper.New()}
	require.NoError(t, newRootCmd(opts).ParseFlags([]string{"--id", "n1", "--addr", addr, "--coordinator", coord.URL}))
	cfg, err := opts.load()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, zaptest.NewLogger(t)) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reg) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, cluster.NodeInfo{ID: "n1", Addr: "http://" + addr}, reg[0])
	mu.Unlock()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("node did not shut down")
	}
}
