package coprocessor

import (
	"errors"
	"fmt"

	"github.com/dreamware/sift/internal/resultstore"
)

// Key identifies one coprocessor within a query. It is stable for the life of the query.
type Key string

// Kind selects how a coprocessor's store is rendered.
type Kind string

const (
	// KindTable renders a grouped, paginated table
	KindTable Kind = "table"
	// KindChart renders the top-level series of a chart
	KindChart Kind = "chart"
)

// Agg is a metric aggregation.
type Agg string

const (
	AggCount Agg = "count"
	AggSum   Agg = "sum"
	AggMin   Agg = "min"
	AggMax   Agg = "max"
	AggAvg   Agg = "avg"
)

var (
	// ErrInvalidSettings wraps every settings validation failure
	ErrInvalidSettings = errors.New("coprocessor: invalid settings")
)

// Metric aggregates one record field within each group.
type Metric struct {
	Field string `json:"field" yaml:"field"`
	Agg   Agg    `json:"agg" yaml:"agg"`
}

// Name returns the column name of the metric, e.g. "avg(latency)".
func (m Metric) Name() string {
	return fmt.Sprintf("%s(%s)", m.Agg, m.Field)
}

// Settings configures one coprocessor.
type Settings struct {
	Key        Key               `json:"key" yaml:"key"`
	Kind       Kind              `json:"kind" yaml:"kind"`
	GroupBy    []string          `json:"group_by" yaml:"group_by"`
	Metrics    []Metric          `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	StoreSize  resultstore.Sizes `json:"store_size,omitempty" yaml:"store_size,omitempty"`
	ResultSize resultstore.Sizes `json:"result_size,omitempty" yaml:"result_size,omitempty"`
}

// WithDefaults fills empty kind and sizes.
func (s Settings) WithDefaults(store, result resultstore.Sizes) Settings {
	if s.Kind == "" {
		s.Kind = KindTable
	}
	if len(s.StoreSize) == 0 {
		s.StoreSize = append(resultstore.Sizes(nil), store...)
	}
	if len(s.ResultSize) == 0 {
		s.ResultSize = append(resultstore.Sizes(nil), result...)
	}
	return s
}

// Validate checks the settings are usable.
func (s Settings) Validate() error {
	if s.Key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidSettings)
	}
	switch s.Kind {
	case KindTable, KindChart:
	default:
		return fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidSettings, s.Key, s.Kind)
	}
	if len(s.GroupBy) == 0 {
		return fmt.Errorf("%w: %s: group_by is required", ErrInvalidSettings, s.Key)
	}
	for _, m := range s.Metrics {
		if m.Field == "" {
			return fmt.Errorf("%w: %s: metric without field", ErrInvalidSettings, s.Key)
		}
		switch m.Agg {
		case AggCount, AggSum, AggMin, AggMax, AggAvg:
		default:
			return fmt.Errorf("%w: %s: unknown aggregation %q", ErrInvalidSettings, s.Key, m.Agg)
		}
	}
	if err := resultstore.ValidateSizes(s.StoreSize, s.ResultSize); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidSettings, s.Key, err)
	}
	return nil
}

// Column describes one cell position of the items a coprocessor produces.
type Column struct {
	Name   string // Display name
	Source string // Record field the column derives from, empty for count
	Agg    Agg    // Aggregation, empty for the group column
}

// Columns returns the field layout of the coprocessor's items: the group
// value, the group's record count, then one column per metric.
func Columns(s Settings) []Column {
	cols := make([]Column, 0, 2+len(s.Metrics))
	group := ""
	if len(s.GroupBy) > 0 {
		group = s.GroupBy[0]
	}
	cols = append(cols, Column{Name: "group", Source: group})
	cols = append(cols, Column{Name: "count", Agg: AggCount})
	for _, m := range s.Metrics {
		cols = append(cols, Column{Name: m.Name(), Source: m.Field, Agg: m.Agg})
	}
	return cols
}

func columnNames(cols []Column) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}
