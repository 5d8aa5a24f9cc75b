package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dreamware/sift/internal/poll"
)

// client talks to the coordinator. Polls may block for their await time, so
// it does not share the cluster's short-timeout client.
type client struct {
	base string
	http *http.Client
}

func newClient(base string, timeout time.Duration) *client {
	return &client{base: base, http: &http.Client{Timeout: timeout}}
}

func (c *client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		return nil, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, e.Error)
	}
	return resp, nil
}

func (c *client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) poll(ctx context.Context, req poll.Request) (*poll.Response, error) {
	resp, err := c.do(ctx, http.MethodPost, "/poll", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out poll.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", err)
	}
	return &out, nil
}

// export copies a component's CSV export to w.
func (c *client) export(ctx context.Context, req poll.ExportRequest, w io.Writer) error {
	q := url.Values{}
	q.Set("token", req.Token)
	if req.Instance != "" {
		q.Set("instance", req.Instance)
	}
	for _, key := range req.Open {
		q.Add("open", key)
	}
	if req.MaxRows > 0 {
		q.Set("max_rows", strconv.Itoa(req.MaxRows))
	}
	path := "/export/" + url.PathEscape(req.QueryKey) + "/" + url.PathEscape(req.Component) + "?" + q.Encode()
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(w, resp.Body)
	return err
}
