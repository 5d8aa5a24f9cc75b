// Package poll serves client polls: it reconciles a session's running
// queries with the ones the client still asks for and renders one result
// window per requested query.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
	"gopkg.in/go-playground/validator.v9"

	"github.com/dreamware/sift/internal/coprocessor"
	"github.com/dreamware/sift/internal/format"
	"github.com/dreamware/sift/internal/metrics"
	"github.com/dreamware/sift/internal/search"
	"github.com/dreamware/sift/internal/session"
	"github.com/dreamware/sift/internal/window"
)

var (
	// ErrInvalidRequest wraps validation failures of a whole poll
	ErrInvalidRequest = errors.New("poll: invalid request")
	// ErrUnknownQuery is returned for a query key the session is not running
	ErrUnknownQuery = errors.New("poll: query is not running")
	// ErrNoComponent is returned when a request does not say which component to render
	ErrNoComponent = errors.New("poll: no component selected")
)

// QueryRequest asks for one window of one component of a query. The query
// definition is only used when the query is not running yet.
type QueryRequest struct {
	search.Query `yaml:",inline"`
	Component    string         `json:"component,omitempty" yaml:"component,omitempty"`
	Window       window.Request `json:"window" yaml:"window"`
	// AwaitMillis waits up to this long for the query to complete before rendering.
	AwaitMillis int `json:"await_ms,omitempty" yaml:"await_ms,omitempty" validate:"min=0"`
}

// Request is one client poll. A nil QueryRequest keeps a running query open
// without rendering it; for a key that is not running it is ignored.
type Request struct {
	Token    string                   `json:"token" yaml:"token" validate:"required"`
	Instance string                   `json:"instance" yaml:"instance"`
	Queries  map[string]*QueryRequest `json:"queries" yaml:"queries"`
}

// Response maps query keys to their rendered windows.
type Response struct {
	Results map[string]*window.Result `json:"results"`
}

// Builder creates collectors for new queries.
type Builder interface {
	Build(queryKey string, q search.Query) (session.Collector, error)
}

// BuilderFunc adapts a function to Builder.
type BuilderFunc func(queryKey string, q search.Query) (session.Collector, error)

// Build calls f.
func (f BuilderFunc) Build(queryKey string, q search.Query) (session.Collector, error) {
	return f(queryKey, q)
}

// FromSearch adapts a search.Builder.
func FromSearch(b *search.Builder) Builder {
	return BuilderFunc(func(queryKey string, q search.Query) (session.Collector, error) {
		c, err := b.Build(queryKey, q)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

// Config configures a Handler. Sessions, Builder and Formatter are required.
type Config struct {
	Sessions  *session.Registry
	Builder   Builder
	Formatter format.Formatter
	Logger    *zap.Logger
	// MaxAwait caps AwaitMillis of any single query.
	MaxAwait time.Duration
	// Parallelism bounds how many queries of one poll render at once.
	Parallelism int
}

// Handler serves polls and exports.
type Handler struct {
	sessions  *session.Registry
	builder   Builder
	formatter format.Formatter
	validate  *validator.Validate
	logger    *zap.Logger
	maxAwait  time.Duration
	parallel  int
}

// NewHandler creates a poll handler.
func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxAwait <= 0 {
		cfg.MaxAwait = 10 * time.Second
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	return &Handler{
		sessions:  cfg.Sessions,
		builder:   cfg.Builder,
		formatter: cfg.Formatter,
		validate:  validator.New(),
		logger:    cfg.Logger,
		maxAwait:  cfg.MaxAwait,
		parallel:  cfg.Parallelism,
	}
}

// Poll serves one poll. Every query key with a request gets a result, either
// rows or an error; only a malformed poll as a whole returns an error.
// Query definitions are validated before anything is dispatched, so an
// invalid query never reaches the session or the nodes.
func (h *Handler) Poll(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	defer func() { metrics.PollDuration.Observe(time.Since(start).Seconds()) }()

	if err := h.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	queries := h.sessions.Get(session.ID(req.Token, req.Instance))

	// must run first: a key dropped and re-added in one poll starts over
	live := make(map[string]bool, len(req.Queries))
	for k := range req.Queries {
		live[k] = true
	}
	queries.DestroyUnused(live)

	keys := maps.Keys(req.Queries)
	slices.Sort(keys)
	results := make([]*window.Result, len(keys))

	var g errgroup.Group
	g.SetLimit(h.parallel)
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			results[i] = h.serve(ctx, queries, key, req.Queries[key])
			return nil
		})
	}
	_ = g.Wait()

	resp := &Response{Results: make(map[string]*window.Result, len(keys))}
	for i, key := range keys {
		if results[i] != nil {
			resp.Results[key] = results[i]
		}
	}
	return resp, nil
}

// serve reuses or starts the query and renders it when asked to. It never
// fails: errors and panics become terminal error results.
func (h *Handler) serve(ctx context.Context, queries *session.ActiveQueries, key string, qr *QueryRequest) (res *window.Result) {
	log := h.logger.With(zap.String("session", queries.ID()), zap.String("query_key", key))
	defer func() {
		if r := recover(); r != nil {
			log.Error("query panicked", zap.Any("panic", r))
			res = window.Failed(fmt.Errorf("internal error: %v", r))
		}
	}()

	var invalid error
	if qr != nil {
		if err := h.validate.Struct(qr); err != nil {
			invalid = fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}

	q, ok := queries.Get(key)
	if !ok {
		switch {
		case qr == nil:
			// nothing to keep open and nothing to start
			return nil
		case invalid != nil:
			log.Info("query rejected", zap.Error(invalid))
			return window.Failed(invalid)
		}
		var err error
		if q, err = h.start(queries, key, qr); err != nil {
			log.Info("query could not start", zap.Error(err))
			return window.Failed(err)
		}
	}
	q.Collector().KeepAlive()

	if qr == nil {
		return nil
	}
	if invalid != nil {
		log.Info("query could not render", zap.Error(invalid))
		return window.Failed(invalid)
	}
	rendered, err := h.render(ctx, q, qr)
	if err != nil {
		log.Info("query could not render", zap.Error(err))
		return window.Failed(err)
	}
	return rendered
}

func (h *Handler) start(queries *session.ActiveQueries, key string, qr *QueryRequest) (*session.ActiveQuery, error) {
	c, err := h.builder.Build(key, qr.Query)
	if err != nil {
		return nil, err
	}
	if err := c.Start(); err != nil {
		c.Terminate()
		return nil, err
	}
	q := session.NewActiveQuery(key, c)
	if err := queries.Add(key, q); err != nil {
		q.Destroy()
		return nil, err
	}
	h.logger.Debug("query started", zap.String("query_key", key), zap.String("collector_id", c.ID()))
	return q, nil
}

func (h *Handler) render(ctx context.Context, q *session.ActiveQuery, qr *QueryRequest) (*window.Result, error) {
	component, err := h.component(q, qr)
	if err != nil {
		return nil, err
	}
	if qr.AwaitMillis > 0 {
		wait := time.Duration(qr.AwaitMillis) * time.Millisecond
		if wait > h.maxAwait {
			wait = h.maxAwait
		}
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < wait {
			wait = time.Until(dl)
		}
		q.Collector().AwaitCompletionTimeout(wait)
	}
	return q.Render(component, qr.Window, h.formatter)
}

// component picks the requested component, or the only one the query has.
func (h *Handler) component(q *session.ActiveQuery, qr *QueryRequest) (string, error) {
	if qr.Component != "" {
		return qr.Component, nil
	}
	if len(qr.Coprocessors) == 1 {
		return string(qr.Coprocessors[0].Key), nil
	}
	return "", fmt.Errorf("%w: query %s has %d components", ErrNoComponent, q.Key(), len(qr.Coprocessors))
}

// ExportRequest asks for every row of one component of a running query.
type ExportRequest struct {
	Token     string
	Instance  string
	QueryKey  string
	Component string
	Open      []string
	MaxRows   int
}

// Export streams all visible rows of a running query's component to fn,
// in window order, and returns the field layout and the number of rows
// written. Fields come from the component's last rendered window when there
// is one.
func (h *Handler) Export(ctx context.Context, req ExportRequest, fn func([]format.Field, window.Row) error) (int, error) {
	queries := h.sessions.Get(session.ID(req.Token, req.Instance))
	q, ok := queries.Get(req.QueryKey)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownQuery, req.QueryKey)
	}
	creator, err := q.Creator(req.Component)
	if err != nil {
		return 0, err
	}
	c := q.Collector()
	fields, ok := creator.FieldLayout()
	if !ok {
		fields = c.Fields(coprocessor.Key(req.Component))
	}
	snap, err := c.Data(coprocessor.Key(req.Component))
	if err != nil {
		return 0, err
	}
	return window.Export(snap, req.Open, fields, h.formatter, req.MaxRows, func(r window.Row) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(fields, r)
	})
}
