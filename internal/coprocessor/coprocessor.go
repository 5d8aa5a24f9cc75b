package coprocessor

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/sift/internal/resultstore"
)

// Coprocessor owns the merged state of one query component on the
// coordinator and turns it into result store snapshots.
//
// Merges are serialized by the coprocessor; snapshots are cached per merge
// version, so repeated polls without new data reuse the same snapshot.
type Coprocessor struct {
	state    *Payload
	snapshot *resultstore.Snapshot
	settings Settings
	columns  []Column
	version  uint64
	built    uint64
	mu       sync.Mutex
}

// New creates a coprocessor with empty state.
func New(s Settings) *Coprocessor {
	return &Coprocessor{
		settings: s,
		columns:  Columns(s),
		state:    NewPayload(s.Key),
	}
}

// Key returns the coprocessor key.
func (c *Coprocessor) Key() Key {
	return c.settings.Key
}

// Settings returns the coprocessor settings.
func (c *Coprocessor) Settings() Settings {
	return c.settings
}

// Columns returns the field layout of the produced items.
func (c *Coprocessor) Columns() []Column {
	return c.columns
}

// Merge folds a payload delta into the coprocessor state. A delta with any
// group that does not fit the settings is rejected whole and leaves the
// state untouched.
func (c *Coprocessor) Merge(p *Payload) error {
	if p.Empty() {
		return nil
	}
	if p.Key != c.settings.Key {
		return fmt.Errorf("%w: %q into %q", ErrKeyMismatch, p.Key, c.settings.Key)
	}
	if err := p.check(c.settings); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.state.Merge(p); err != nil {
		return err
	}
	c.version++
	return nil
}

// State returns a copy of the merged state.
func (c *Coprocessor) State() *Payload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Snapshot returns the current result store. Retention limits are applied
// here, after sorting, so the snapshot depends only on the merged state and
// never on the order deltas arrived in.
func (c *Coprocessor) Snapshot() *resultstore.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot != nil && c.built == c.version {
		return c.snapshot
	}

	groups := make([]*GroupState, 0, len(c.state.Groups))
	for _, g := range c.state.Groups {
		groups = append(groups, g.clone())
	}
	slices.SortFunc(groups, func(a, b *GroupState) int {
		return comparePath(a.Path, b.Path)
	})

	b := resultstore.NewBuilder(columnNames(c.columns)...)
	for _, g := range groups {
		// keys are unique in the state map, Add cannot fail here
		_ = b.Add(resultstore.Item{
			Key:    PathKey(g.Path),
			Parent: ParentKey(g.Path),
			Values: c.cells(g),
		})
	}
	c.snapshot = b.Build(c.settings.StoreSize)
	c.built = c.version
	return c.snapshot
}

func (c *Coprocessor) cells(g *GroupState) []any {
	values := make([]any, 0, 2+len(c.settings.Metrics))
	values = append(values, g.Path[len(g.Path)-1], g.Count)
	for i, m := range c.settings.Metrics {
		st := g.Metrics[i]
		switch m.Agg {
		case AggCount:
			values = append(values, st.Count)
		case AggSum:
			values = append(values, st.Sum)
		case AggMin:
			values = append(values, optional(st.Count, st.Min))
		case AggMax:
			values = append(values, optional(st.Count, st.Max))
		case AggAvg:
			values = append(values, resultstore.Generator(func() (any, error) {
				if st.Count == 0 {
					return nil, nil
				}
				return st.Sum / float64(st.Count), nil
			}))
		}
	}
	return values
}

func optional(count int64, v float64) any {
	if count == 0 {
		return nil
	}
	return v
}

func comparePath(a, b []string) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := strings.Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}
