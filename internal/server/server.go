// Package server is the coordinator's HTTP API: node registration and result
// intake for the cluster, polling and export for clients, and record
// ingestion routed to the owning node.
package server

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	chimiddleware "github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gopkg.in/go-playground/validator.v9"

	"github.com/dreamware/sift/internal/cluster"
	"github.com/dreamware/sift/internal/coordinator"
	"github.com/dreamware/sift/internal/datasource"
	"github.com/dreamware/sift/internal/format"
	"github.com/dreamware/sift/internal/poll"
	"github.com/dreamware/sift/internal/search"
	"github.com/dreamware/sift/internal/session"
	"github.com/dreamware/sift/internal/window"
)

// Config wires the server to the coordinator's components.
type Config struct {
	Membership *coordinator.Membership
	Health     *coordinator.HealthMonitor // optional
	Collectors *search.Registry
	Poll       *poll.Handler
	Catalog    *datasource.Catalog
	Logger     *zap.Logger
	// RequestTimeout bounds every request, including a poll's await.
	RequestTimeout time.Duration
	// ForwardTimeout bounds the forwarding of one record to its node.
	ForwardTimeout time.Duration
}

// Server serves the coordinator API.
type Server struct {
	cfg      Config
	logger   *zap.Logger
	validate *validator.Validate
}

// New creates a server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ForwardTimeout <= 0 {
		cfg.ForwardTimeout = 4 * time.Second
	}
	return &Server{cfg: cfg, logger: cfg.Logger, validate: validator.New()}
}

// Routes returns the coordinator router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/register", s.handleRegister)
	r.Get("/nodes", s.handleListNodes)
	r.Post("/cluster/results", s.handleResults)
	r.Get("/collectors", s.handleListCollectors)

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(s.cfg.RequestTimeout))
		r.Post("/poll", s.handlePoll)
		r.Get("/export/{queryKey}/{componentID}", s.handleExport)
		r.Put("/datasources/{uuid}/records/{key}", s.handlePutRecord)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", chimiddleware.GetReqID(r.Context())))
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "bad json")
		return
	}
	if err := s.validate.Struct(req.Node); err != nil {
		httpError(w, http.StatusBadRequest, "missing id/addr")
		return
	}
	s.cfg.Membership.Register(req.Node)
	w.WriteHeader(http.StatusNoContent)
}

// NodeStatus is one entry of the /nodes listing.
type NodeStatus struct {
	cluster.NodeInfo
	Health *coordinator.NodeHealth `json:"health,omitempty"`
	Shards []int                   `json:"shards"`
}

func (s *Server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	m := s.cfg.Membership
	var out struct {
		Nodes   []NodeStatus `json:"nodes"`
		Healthy []string     `json:"healthy"`
	}
	for _, n := range m.Nodes() {
		st := NodeStatus{NodeInfo: n, Shards: m.Shards().NodeShards(n.ID)}
		if s.cfg.Health != nil {
			st.Health = s.cfg.Health.GetNodeHealth(n.ID)
		}
		out.Nodes = append(out.Nodes, st)
	}
	out.Healthy = m.HealthyNodes()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	var env cluster.ResultEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		httpError(w, http.StatusBadRequest, "bad json")
		return
	}
	if env.Result == nil && env.Error == "" {
		httpError(w, http.StatusBadRequest, "envelope carries neither result nor error")
		return
	}
	if err := env.Deliver(s.cfg.Collectors); err != nil {
		// tells the node to stop working on a terminated search
		httpError(w, http.StatusGone, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListCollectors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Collectors []search.CollectorInfo `json:"collectors"`
	}{Collectors: s.cfg.Collectors.List()})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	var req poll.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "bad json")
		return
	}
	resp, err := s.cfg.Poll.Poll(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, poll.ErrInvalidRequest) {
			status = http.StatusBadRequest
		}
		httpError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleExport streams a component as CSV. The first column is the group
// depth so the hierarchy survives the flat format.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := poll.ExportRequest{
		Token:     q.Get("token"),
		Instance:  q.Get("instance"),
		QueryKey:  chi.URLParam(r, "queryKey"),
		Component: chi.URLParam(r, "componentID"),
		Open:      q["open"],
	}
	if req.Token == "" {
		httpError(w, http.StatusBadRequest, "missing token")
		return
	}
	if v := q.Get("max_rows"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httpError(w, http.StatusBadRequest, "invalid max_rows")
			return
		}
		req.MaxRows = n
	}

	var out *csv.Writer
	n, err := s.cfg.Poll.Export(r.Context(), req, func(fields []format.Field, row window.Row) error {
		if out == nil {
			w.Header().Set("Content-Type", "text/csv")
			w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", req.QueryKey+".csv"))
			out = csv.NewWriter(w)
			header := []string{"depth"}
			for _, f := range fields {
				header = append(header, f.Title())
			}
			if err := out.Write(header); err != nil {
				return err
			}
		}
		return out.Write(append([]string{strconv.Itoa(row.Depth)}, row.Cells...))
	})
	if out != nil {
		out.Flush()
		if err == nil {
			err = out.Error()
		}
		if err != nil {
			s.logger.Warn("export aborted", zap.String("query_key", req.QueryKey), zap.Int("rows", n), zap.Error(err))
		}
		return
	}
	switch {
	case errors.Is(err, poll.ErrUnknownQuery), errors.Is(err, session.ErrUnknownComponent):
		httpError(w, http.StatusNotFound, err.Error())
	case err != nil:
		httpError(w, http.StatusInternalServerError, err.Error())
	default:
		w.Header().Set("Content-Type", "text/csv")
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) handlePutRecord(w http.ResponseWriter, r *http.Request) {
	uuid, key := chi.URLParam(r, "uuid"), chi.URLParam(r, "key")
	if _, err := s.cfg.Catalog.Resolve(uuid); err != nil {
		httpError(w, http.StatusNotFound, err.Error())
		return
	}
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var rec map[string]any
	if err := dec.Decode(&rec); err != nil || rec == nil {
		httpError(w, http.StatusBadRequest, "record must be a JSON object")
		return
	}

	shardID, nodeID, err := s.cfg.Membership.Shards().Route(key)
	if err != nil {
		httpError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	addr, ok := s.cfg.Membership.Addr(nodeID)
	if !ok {
		httpError(w, http.StatusServiceUnavailable, "owner of shard is not registered")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ForwardTimeout)
	defer cancel()
	url := fmt.Sprintf("%s/shard/%d/records/%s/%s", addr, shardID, uuid, key)
	if err := cluster.PutJSON(ctx, url, rec, nil); err != nil {
		s.logger.Warn("record forward failed", zap.String("node", nodeID), zap.Int("shard", shardID), zap.Error(err))
		httpError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Shard int    `json:"shard"`
		Node  string `json:"node"`
	}{Shard: shardID, Node: nodeID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
