package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dreamware/sift/internal/coprocessor"
	"github.com/dreamware/sift/internal/search"
)

// TestPostJSON tests JSON posting and response decoding
func TestPostJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Expected application/json, got %s", ct)
		}
		var req CancelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(CancelResponse{Cancelled: req.TaskID == "t1"})
	}))
	defer server.Close()

	var resp CancelResponse
	if err := PostJSON(context.Background(), server.URL, CancelRequest{TaskID: "t1"}, &resp); err != nil {
		t.Fatalf("PostJSON failed: %v", err)
	}
	if !resp.Cancelled {
		t.Error("Expected response to be decoded")
	}

	t.Run("nil out skips decoding", func(t *testing.T) {
		if err := PostJSON(context.Background(), server.URL, CancelRequest{}, nil); err != nil {
			t.Errorf("Unexpected error: %v", err)
		}
	})
}

// TestStatusErrors tests that non-2xx responses become StatusError
func TestStatusErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "shard offline", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	for name, call := range map[string]func() error{
		"post": func() error { return PostJSON(context.Background(), server.URL, struct{}{}, nil) },
		"put":  func() error { return PutJSON(context.Background(), server.URL, struct{}{}, nil) },
		"get":  func() error { var v any; return GetJSON(context.Background(), server.URL, &v) },
	} {
		t.Run(name, func(t *testing.T) {
			err := call()
			var se *StatusError
			if !errors.As(err, &se) {
				t.Fatalf("Expected StatusError, got %v", err)
			}
			if se.Status != http.StatusServiceUnavailable || se.Body != "shard offline" {
				t.Errorf("Unexpected status error %+v", se)
			}
			if !strings.Contains(err.Error(), "503") {
				t.Errorf("Error should mention the status: %v", err)
			}
		})
	}
}

// TestGetJSONCancelled tests context propagation
func TestGetJSONCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	var v any
	if err := GetJSON(ctx, server.URL, &v); err == nil {
		t.Error("Expected error for cancelled request")
	}
}

// TestSearchRequestRoundTrip tests that tasks survive the wire
func TestSearchRequestRoundTrip(t *testing.T) {
	req := SearchRequest{
		ResultsURL: "http://coord/cluster/results",
		Task: search.Task{
			ID:         "t1",
			QueryKey:   "q",
			DataSource: "ds",
			Filters:    []search.Filter{{Field: "status", Op: search.OpGt, Value: 400}},
			Coprocessors: []coprocessor.Settings{{
				Key: "c", Kind: coprocessor.KindTable, GroupBy: []string{"host"},
			}},
		},
	}
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	var got SearchRequest
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	if got.Task.ID != "t1" || got.ResultsURL != req.ResultsURL || len(got.Task.Coprocessors) != 1 {
		t.Errorf("Unexpected decoded request %+v", got)
	}
	// numbers decode as float64 and still compare against int records
	if !got.Task.Matches(map[string]any{"status": 500}) {
		t.Error("Decoded filter should match")
	}
}

// recordingCallback collects dispatcher callbacks.
type recordingCallback struct {
	mu       sync.Mutex
	failures map[string]error
}

func (c *recordingCallback) OnSuccess(string, *search.NodeResult) {}

func (c *recordingCallback) OnFailure(node string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures == nil {
		c.failures = make(map[string]error)
	}
	c.failures[node] = err
}

// TestHTTPDispatcher tests task submission and cancellation
func TestHTTPDispatcher(t *testing.T) {
	var (
		mu        sync.Mutex
		submitted []string
		cancelled []string
	)
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/search":
			var req SearchRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.ResultsURL != "http://coord/cluster/results" {
				t.Errorf("Unexpected results url %q", req.ResultsURL)
			}
			mu.Lock()
			submitted = append(submitted, req.Task.ID)
			mu.Unlock()
			w.WriteHeader(http.StatusAccepted)
		case "/search/cancel":
			var req CancelRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			mu.Lock()
			cancelled = append(cancelled, req.TaskID)
			mu.Unlock()
			_ = json.NewEncoder(w).Encode(CancelResponse{Cancelled: true})
		default:
			http.NotFound(w, r)
		}
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusTooManyRequests)
	}))
	defer bad.Close()

	addrs := map[string]string{"a": good.URL + "/", "b": good.URL, "c": bad.URL}
	d, err := NewHTTPDispatcher(DispatcherConfig{
		Resolver:   ResolverFunc(func(n string) (string, bool) { a, ok := addrs[n]; return a, ok }),
		ResultsURL: "http://coord/cluster/results",
	})
	if err != nil {
		t.Fatal(err)
	}

	cb := &recordingCallback{}
	task := search.Task{ID: "t1", DataSource: "ds"}
	if err := d.Dispatch(context.Background(), task, []string{"a", "b", "c", "ghost"}, cb); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if len(submitted) != 2 {
		t.Errorf("Expected 2 submissions, got %v", submitted)
	}
	if len(cb.failures) != 2 {
		t.Fatalf("Expected failures for c and ghost, got %v", cb.failures)
	}
	if !errors.Is(cb.failures["ghost"], ErrUnknownNode) {
		t.Errorf("Expected ErrUnknownNode for ghost, got %v", cb.failures["ghost"])
	}
	var se *StatusError
	if !errors.As(cb.failures["c"], &se) || se.Status != http.StatusTooManyRequests {
		t.Errorf("Expected status error for c, got %v", cb.failures["c"])
	}

	err = d.Cancel(context.Background(), "t1", []string{"a", "c", "ghost"})
	if err == nil || !strings.HasPrefix(err.Error(), "c: ") {
		t.Errorf("Expected cancel error from c only, got %v", err)
	}
	sort.Strings(cancelled)
	if len(cancelled) != 1 || cancelled[0] != "t1" {
		t.Errorf("Expected one cancellation, got %v", cancelled)
	}
}

// TestNewHTTPDispatcherValidation tests constructor errors
func TestNewHTTPDispatcherValidation(t *testing.T) {
	if _, err := NewHTTPDispatcher(DispatcherConfig{ResultsURL: "x"}); err == nil {
		t.Error("Expected error without resolver")
	}
	r := ResolverFunc(func(string) (string, bool) { return "", false })
	if _, err := NewHTTPDispatcher(DispatcherConfig{Resolver: r}); err == nil {
		t.Error("Expected error without results url")
	}
}

// TestResultEnvelopeDeliver tests routing envelopes to collectors
func TestResultEnvelopeDeliver(t *testing.T) {
	reg := search.NewRegistry(search.RegistryConfig{})

	env := ResultEnvelope{TaskID: "missing", Node: "a", Result: &search.NodeResult{Complete: true}}
	if err := env.Deliver(reg); !errors.Is(err, search.ErrUnknownCollector) {
		t.Errorf("Expected ErrUnknownCollector, got %v", err)
	}

	h, err := coprocessor.NewResultHandler([]coprocessor.Settings{{Key: "c", Kind: coprocessor.KindTable, GroupBy: []string{"host"}}})
	if err != nil {
		t.Fatal(err)
	}
	c, err := search.NewCollector(search.CollectorConfig{
		Task:       search.Task{ID: "t1"},
		Nodes:      []string{"a", "b"},
		Handler:    h,
		Dispatcher: noopDispatcher{},
		Registry:   reg,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}

	if err := (ResultEnvelope{TaskID: "t1", Node: "a", Result: &search.NodeResult{Complete: true}}).Deliver(reg); err != nil {
		t.Fatal(err)
	}
	if err := (ResultEnvelope{TaskID: "t1", Node: "b", Error: "out of memory"}).Deliver(reg); err != nil {
		t.Fatal(err)
	}
	if !c.AwaitCompletionTimeout(time.Second) {
		t.Fatal("Collector did not complete")
	}
	if errs := c.Errors(); len(errs) != 1 || errs[0] != "b: out of memory" {
		t.Errorf("Unexpected errors %v", errs)
	}
}

// noopDispatcher accepts every task without contacting any node.
type noopDispatcher struct{}

func (noopDispatcher) Dispatch(context.Context, search.Task, []string, search.Callback) error {
	return nil
}

func (noopDispatcher) Cancel(context.Context, string, []string) error { return nil }
