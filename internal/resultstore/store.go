package resultstore

import (
	"errors"
	"fmt"
)

// Root is the parent key of top-level items.
const Root = ""

var (
	// ErrDuplicateKey is returned when two items share a group key
	ErrDuplicateKey = errors.New("resultstore: duplicate item key")
	// ErrSelfParent is returned when an item names itself as parent
	ErrSelfParent = errors.New("resultstore: item is its own parent")
)

// Generator is a deferred cell value. It is evaluated when the cell is
// rendered, not when the payload that produced it is merged.
type Generator func() (any, error)

// Item is one grouped result row.
// Parent is Root for top-level items. Values may hold Generator cells.
type Item struct {
	Key    string // Group key, unique within a store
	Parent string // Parent group key, Root for top-level rows
	Values []any  // Ordered cell values
	Depth  int    // Grouping depth, 0 for top-level rows
}

// Resolve returns cell i, evaluating it first if it is a Generator.
// Out of range cells resolve to nil.
func (it Item) Resolve(i int) (any, error) {
	if i < 0 || i >= len(it.Values) {
		return nil, nil
	}
	if g, ok := it.Values[i].(Generator); ok {
		return g()
	}
	return it.Values[i], nil
}

// Items is an ordered list of sibling items.
type Items []Item

// Keys returns the group keys in order.
func (items Items) Keys() []string {
	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.Key
	}
	return keys
}

// Snapshot is an immutable, point-in-time view of a hierarchical result store.
// All methods are safe on a nil Snapshot and safe for concurrent use.
// Slices returned by a Snapshot must not be modified.
type Snapshot struct {
	children  map[string]Items
	items     map[string]Item
	columns   []string
	truncated bool
}

// Empty is a snapshot with no items.
var Empty = &Snapshot{}

// Children returns the ordered children of the given parent key.
func (s *Snapshot) Children(parent string) Items {
	if s == nil {
		return nil
	}
	return s.children[parent]
}

// Item looks up an item by its group key.
func (s *Snapshot) Item(key string) (Item, bool) {
	if s == nil {
		return Item{}, false
	}
	it, ok := s.items[key]
	return it, ok
}

// HasChildren reports whether the item with the given key has any children.
func (s *Snapshot) HasChildren(key string) bool {
	return len(s.Children(key)) > 0
}

// Len returns the number of items retained in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.items)
}

// Columns returns the column names describing Item.Values.
func (s *Snapshot) Columns() []string {
	if s == nil {
		return nil
	}
	return s.columns
}

// Truncated reports whether retention limits dropped any items.
func (s *Snapshot) Truncated() bool {
	return s != nil && s.truncated
}

// Builder assembles a Snapshot. Children keep the order they were added in.
// A Builder is not safe for concurrent use.
type Builder struct {
	children map[string]Items
	seen     map[string]struct{}
	columns  []string
}

// NewBuilder creates a builder for a snapshot with the given columns.
func NewBuilder(columns ...string) *Builder {
	return &Builder{
		children: make(map[string]Items),
		seen:     make(map[string]struct{}),
		columns:  columns,
	}
}

// Add appends an item under its parent.
func (b *Builder) Add(it Item) error {
	if it.Key == it.Parent {
		return fmt.Errorf("%w: %q", ErrSelfParent, it.Key)
	}
	if _, dup := b.seen[it.Key]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicateKey, it.Key)
	}
	b.seen[it.Key] = struct{}{}
	b.children[it.Parent] = append(b.children[it.Parent], it)
	return nil
}

// Build walks the added items from Root and retains at most limits.At(depth)
// children per parent. Items whose ancestors were dropped, or whose parent was
// never added, are not reachable and are left out.
func (b *Builder) Build(limits Sizes) *Snapshot {
	snap := &Snapshot{
		children: make(map[string]Items),
		items:    make(map[string]Item),
		columns:  b.columns,
	}
	var walk func(parent string, depth int)
	walk = func(parent string, depth int) {
		kids := b.children[parent]
		if n := limits.At(depth); n > 0 && len(kids) > n {
			kids = kids[:n]
			snap.truncated = true
		}
		if len(kids) == 0 {
			return
		}
		kept := make(Items, 0, len(kids))
		for _, it := range kids {
			it.Depth = depth
			kept = append(kept, it)
			snap.items[it.Key] = it
		}
		snap.children[parent] = kept
		for _, it := range kept {
			walk(it.Key, depth+1)
		}
	}
	walk(Root, 0)
	if len(snap.items) < len(b.seen) {
		snap.truncated = true
	}
	return snap
}
