// Package datasource resolves the data sources a query may reference and the
// field metadata used to label and type coprocessor output.
package datasource

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dreamware/sift/internal/coprocessor"
	"github.com/dreamware/sift/internal/format"
)

// TypeMemory is the built-in data source type served from node shards.
const TypeMemory = "memory"

var (
	// ErrMissingUUID is returned when a query names no data source
	ErrMissingUUID = errors.New("datasource: no data source uuid set")
	// ErrUnknownDataSource is returned when the uuid is not in the catalog
	ErrUnknownDataSource = errors.New("datasource: unknown data source")
	// ErrNoProvider is returned when no provider serves the data source type
	ErrNoProvider = errors.New("datasource: no provider found for type")
	// ErrUnknownField is returned when a coprocessor references an undeclared field
	ErrUnknownField = errors.New("datasource: unknown field")
)

// DataSource is one searchable collection of records.
type DataSource struct {
	UUID   string         `json:"uuid" yaml:"uuid" mapstructure:"uuid" validate:"required"`
	Name   string         `json:"name" yaml:"name" mapstructure:"name"`
	Type   string         `json:"type" yaml:"type" mapstructure:"type" validate:"required"`
	Fields []format.Field `json:"fields" yaml:"fields" mapstructure:"fields"`
}

// Field looks up a declared field by name.
func (ds DataSource) Field(name string) (format.Field, bool) {
	for _, f := range ds.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return format.Field{}, false
}

// Provider supplies field metadata for one data source type.
type Provider interface {
	Type() string
	Fields(ds DataSource) ([]format.Field, error)
}

// MemoryProvider serves data sources whose fields are declared in the catalog.
type MemoryProvider struct{}

// Type returns TypeMemory.
func (MemoryProvider) Type() string { return TypeMemory }

// Fields returns the declared fields.
func (MemoryProvider) Fields(ds DataSource) ([]format.Field, error) {
	return ds.Fields, nil
}

// Catalog maps data source uuids to data sources and types to providers.
// Safe for concurrent use.
type Catalog struct {
	sources   map[string]DataSource
	providers map[string]Provider
	mu        sync.RWMutex
}

// NewCatalog creates a catalog with the memory provider registered.
func NewCatalog(sources ...DataSource) *Catalog {
	c := &Catalog{
		sources:   make(map[string]DataSource),
		providers: make(map[string]Provider),
	}
	c.RegisterProvider(MemoryProvider{})
	for _, ds := range sources {
		c.Add(ds)
	}
	return c
}

// RegisterProvider adds or replaces the provider for its type.
func (c *Catalog) RegisterProvider(p Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[p.Type()] = p
}

// Add adds or replaces a data source.
func (c *Catalog) Add(ds DataSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[ds.UUID] = ds
}

// Resolved is a data source together with the fields its provider reports.
type Resolved struct {
	DataSource
	Provider Provider
}

// Resolve looks up a data source and its provider.
func (c *Catalog) Resolve(uuid string) (Resolved, error) {
	if uuid == "" {
		return Resolved{}, ErrMissingUUID
	}
	c.mu.RLock()
	ds, ok := c.sources[uuid]
	var p Provider
	if ok {
		p = c.providers[ds.Type]
	}
	c.mu.RUnlock()

	if !ok {
		return Resolved{}, fmt.Errorf("%w: %s", ErrUnknownDataSource, uuid)
	}
	if p == nil {
		return Resolved{}, fmt.Errorf("%w: %q (data source %s)", ErrNoProvider, ds.Type, uuid)
	}
	fields, err := p.Fields(ds)
	if err != nil {
		return Resolved{}, fmt.Errorf("datasource: fields of %s: %w", uuid, err)
	}
	ds.Fields = fields
	return Resolved{DataSource: ds, Provider: p}, nil
}

// Layout validates a coprocessor against the data source fields and returns
// the typed, labelled field layout of its items.
func (r Resolved) Layout(s coprocessor.Settings) ([]format.Field, error) {
	for _, name := range s.GroupBy {
		if _, ok := r.Field(name); !ok {
			return nil, fmt.Errorf("%w: %q in group_by of %s", ErrUnknownField, name, s.Key)
		}
	}
	for _, m := range s.Metrics {
		if _, ok := r.Field(m.Field); !ok {
			return nil, fmt.Errorf("%w: %q in metrics of %s", ErrUnknownField, m.Field, s.Key)
		}
	}

	cols := coprocessor.Columns(s)
	layout := make([]format.Field, len(cols))
	for i, col := range cols {
		src, _ := r.Field(col.Source)
		f := format.Field{Name: col.Name, Type: format.TypeNumber}
		switch {
		case col.Agg == "":
			f.Type = format.TypeString
			f.Label = src.Title()
		case col.Agg == coprocessor.AggCount:
			f.Type = format.TypeInteger
			if col.Source != "" {
				f.Label = fmt.Sprintf("count(%s)", src.Title())
			}
		default:
			// sums, extremes and averages keep the unit of their source field
			switch src.Type {
			case format.TypeBytes, format.TypeDuration, format.TypeInteger:
				f.Type = src.Type
			}
			if col.Agg == coprocessor.AggAvg && src.Type == format.TypeInteger {
				f.Type = format.TypeNumber
			}
			f.Label = fmt.Sprintf("%s(%s)", col.Agg, src.Title())
		}
		layout[i] = f
	}
	return layout, nil
}
