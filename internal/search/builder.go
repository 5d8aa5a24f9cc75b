package search

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/go-playground/validator.v9"

	"github.com/dreamware/sift/internal/coprocessor"
	"github.com/dreamware/sift/internal/datasource"
	"github.com/dreamware/sift/internal/format"
	"github.com/dreamware/sift/internal/resultstore"
)

var (
	// ErrNoCoprocessors is returned for a query without components
	ErrNoCoprocessors = errors.New("search: query has no coprocessors")
	// ErrNoNodes is returned when no execution node is available
	ErrNoNodes = errors.New("search: no execution nodes available")
	// ErrInvalidQuery wraps filter validation failures
	ErrInvalidQuery = errors.New("search: invalid query")
)

var validate = validator.New()

// Query is the definition of one logical search.
type Query struct {
	DataSource   string                 `json:"data_source" yaml:"data_source"`
	Filters      []Filter               `json:"filters,omitempty" yaml:"filters,omitempty" validate:"dive"`
	Coprocessors []coprocessor.Settings `json:"coprocessors" yaml:"coprocessors"`
}

// BuilderConfig configures a Builder. Catalog, Nodes and Dispatcher are required.
type BuilderConfig struct {
	Catalog           *datasource.Catalog
	Nodes             NodeSource
	Dispatcher        Dispatcher
	Registry          *Registry
	Canceller         *Canceller
	Logger            *zap.Logger
	DefaultStoreSize  resultstore.Sizes
	DefaultResultSize resultstore.Sizes
	DrainTimeout      time.Duration
}

// Builder turns query definitions into collectors ready to start.
type Builder struct {
	cfg BuilderConfig
}

// NewBuilder creates a builder.
func NewBuilder(cfg BuilderConfig) *Builder {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Builder{cfg: cfg}
}

// Build validates a query and creates its collector. Errors are setup
// errors: the query cannot run at all.
func (b *Builder) Build(queryKey string, q Query) (*Collector, error) {
	if err := validate.Struct(q); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	ds, err := b.cfg.Catalog.Resolve(q.DataSource)
	if err != nil {
		return nil, err
	}
	if len(q.Coprocessors) == 0 {
		return nil, ErrNoCoprocessors
	}

	settings := make([]coprocessor.Settings, len(q.Coprocessors))
	fields := make(map[coprocessor.Key][]format.Field, len(q.Coprocessors))
	for i, s := range q.Coprocessors {
		s = s.WithDefaults(b.cfg.DefaultStoreSize, b.cfg.DefaultResultSize)
		if err := s.Validate(); err != nil {
			return nil, err
		}
		layout, err := ds.Layout(s)
		if err != nil {
			return nil, err
		}
		settings[i] = s
		fields[s.Key] = layout
	}
	handler, err := coprocessor.NewResultHandler(settings)
	if err != nil {
		return nil, err
	}

	nodes := b.cfg.Nodes.HealthyNodes()
	if len(nodes) == 0 {
		return nil, ErrNoNodes
	}

	task := Task{
		ID:           uuid.NewString(),
		QueryKey:     queryKey,
		DataSource:   ds.UUID,
		Filters:      q.Filters,
		Coprocessors: settings,
	}
	c, err := NewCollector(CollectorConfig{
		Task:         task,
		Nodes:        nodes,
		Handler:      handler,
		Dispatcher:   b.cfg.Dispatcher,
		Registry:     b.cfg.Registry,
		Canceller:    b.cfg.Canceller,
		Fields:       fields,
		DrainTimeout: b.cfg.DrainTimeout,
		Logger:       b.cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("search: %s: %w", queryKey, err)
	}
	return c, nil
}
