package coprocessor

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Accumulator folds raw rows into group states on an execution node.
// Flush hands back everything folded since the previous flush as a Payload
// delta. An Accumulator is not safe for concurrent use.
type Accumulator struct {
	pending  *Payload
	settings Settings
	rows     int
}

// NewAccumulator creates an accumulator for the coprocessor settings.
func NewAccumulator(s Settings) *Accumulator {
	return &Accumulator{settings: s, pending: NewPayload(s.Key)}
}

// Add folds one row into every prefix of its group path, so each grouping
// depth gets its own state.
func (a *Accumulator) Add(row map[string]any) {
	path := make([]string, 0, len(a.settings.GroupBy))
	for _, field := range a.settings.GroupBy {
		path = append(path, GroupValue(row[field]))
		key := PathKey(path)
		g, ok := a.pending.Groups[key]
		if !ok {
			g = &GroupState{
				Path:    append([]string(nil), path...),
				Metrics: make([]MetricState, len(a.settings.Metrics)),
			}
			a.pending.Groups[key] = g
		}
		g.Count++
		for i, m := range a.settings.Metrics {
			if m.Agg == AggCount {
				// count(field) counts presence, not numeric values
				if row[m.Field] != nil {
					g.Metrics[i].observe(1)
				}
				continue
			}
			v, ok := Number(row[m.Field])
			if !ok {
				continue
			}
			g.Metrics[i].observe(v)
		}
	}
	a.rows++
}

// Pending returns the number of rows folded since the last flush.
func (a *Accumulator) Pending() int {
	return a.rows
}

// Flush returns the delta accumulated since the last flush, or nil if no rows were added.
func (a *Accumulator) Flush() *Payload {
	if a.rows == 0 {
		return nil
	}
	out := a.pending
	a.pending = NewPayload(a.settings.Key)
	a.rows = 0
	return out
}

// GroupValue renders a record field as a group value. Missing fields group under "".
func GroupValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

// Number converts a record field to a float for metric aggregation.
func Number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
