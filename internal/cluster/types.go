package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dreamware/sift/internal/search"
)

// NodeInfo identifies an execution node and where to reach it.
type NodeInfo struct {
	ID   string `json:"id" validate:"required"`       // Unique node identifier
	Addr string `json:"addr" validate:"required,url"` // Base URL, e.g. http://10.0.0.5:8081
}

// RegisterRequest is sent by a node to join the cluster.
type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

// SearchRequest submits a task to a node. The node posts its result stream,
// one ResultEnvelope per message, to ResultsURL.
type SearchRequest struct {
	ResultsURL string      `json:"results_url"` // Coordinator endpoint for ResultEnvelopes
	Task       search.Task `json:"task"`        // What to scan and how to aggregate
}

// CancelRequest asks a node to stop a running task.
type CancelRequest struct {
	TaskID string `json:"task_id"`
}

// CancelResponse reports whether the task was still running.
type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// ResultEnvelope carries one message of a node's result stream back to the
// coordinator. A non-empty Error means the node gave up on the task.
type ResultEnvelope struct {
	Result *search.NodeResult `json:"result,omitempty"` // Payload deltas and record errors
	TaskID string             `json:"task_id"`          // Collector the message belongs to
	Node   string             `json:"node"`             // Sending node
	Error  string             `json:"error,omitempty"`  // Set when the node failed the task
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// StatusError is returned for responses outside the 2xx range.
type StatusError struct {
	URL    string // Request URL
	Body   string // Response body, trimmed
	Status int    // HTTP status code
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %s: %d", e.URL, e.Status)
	}
	return fmt.Sprintf("http %s: %d: %s", e.URL, e.Status, e.Body)
}

// PostJSON posts body as JSON and decodes the response into out, if out is
// not nil.
//
// Parameters:
//   - ctx: Bounds the request together with the client's five second timeout
//   - url: Full endpoint URL
//   - body: Encoded as the request body
//   - out: Response target; nil discards the body
//
// Returns:
//   - error: Transport and decode errors, or *StatusError for non-2xx answers
//
// Example:
//
//	var resp CancelResponse
//	err := PostJSON(ctx, node+"/search/cancel", CancelRequest{TaskID: id}, &resp)
func PostJSON(ctx context.Context, url string, body any, out any) error {
	return doJSON(ctx, http.MethodPost, url, body, out)
}

// PutJSON is PostJSON with the PUT method.
func PutJSON(ctx context.Context, url string, body any, out any) error {
	return doJSON(ctx, http.MethodPut, url, body, out)
}

// GetJSON fetches url and decodes the JSON response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	return doJSON(ctx, http.MethodGet, url, nil, out)
}

func doJSON(ctx context.Context, method, url string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{URL: url, Status: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
