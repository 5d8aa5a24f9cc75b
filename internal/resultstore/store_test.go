package resultstore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildTree creates a store with three top-level groups where "b" has two children.
func buildTree(t *testing.T, limits Sizes) *Snapshot {
	t.Helper()
	b := NewBuilder("group", "count")
	require.NoError(t, b.Add(Item{Key: "a", Parent: Root, Values: []any{"a", 1}}))
	require.NoError(t, b.Add(Item{Key: "b", Parent: Root, Values: []any{"b", 2}}))
	require.NoError(t, b.Add(Item{Key: "c", Parent: Root, Values: []any{"c", 3}}))
	require.NoError(t, b.Add(Item{Key: "b/1", Parent: "b", Values: []any{"1", 1}}))
	require.NoError(t, b.Add(Item{Key: "b/2", Parent: "b", Values: []any{"2", 1}}))
	return b.Build(limits)
}

// TestSnapshotHierarchy verifies parent/child addressing and depth assignment.
func TestSnapshotHierarchy(t *testing.T) {
	snap := buildTree(t, nil)

	assert.Equal(t, 5, snap.Len())
	assert.Equal(t, []string{"a", "b", "c"}, snap.Children(Root).Keys())
	assert.Equal(t, []string{"b/1", "b/2"}, snap.Children("b").Keys())
	assert.True(t, snap.HasChildren("b"))
	assert.False(t, snap.HasChildren("a"))
	assert.Equal(t, []string{"group", "count"}, snap.Columns())
	assert.False(t, snap.Truncated())

	child, ok := snap.Item("b/2")
	require.True(t, ok)
	assert.Equal(t, 1, child.Depth)
	assert.Equal(t, "b", child.Parent)
}

// TestSnapshotRetentionLimits verifies per-depth retention and that
// descendants of dropped items are dropped too.
func TestSnapshotRetentionLimits(t *testing.T) {
	snap := buildTree(t, Sizes{2, 1})

	assert.Equal(t, []string{"a", "b"}, snap.Children(Root).Keys())
	assert.Equal(t, []string{"b/1"}, snap.Children("b").Keys())
	assert.True(t, snap.Truncated())
	_, ok := snap.Item("c")
	assert.False(t, ok)
}

// TestBuilderRejectsBadItems verifies duplicate and self-parented keys are rejected.
func TestBuilderRejectsBadItems(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Add(Item{Key: "x"}))
	assert.True(t, errors.Is(b.Add(Item{Key: "x"}), ErrDuplicateKey))
	assert.True(t, errors.Is(b.Add(Item{Key: "y", Parent: "y"}), ErrSelfParent))
}

// TestOrphansAreUnreachable verifies that items whose parent never arrives are not retained.
func TestOrphansAreUnreachable(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Add(Item{Key: "top"}))
	require.NoError(t, b.Add(Item{Key: "lost", Parent: "missing"}))
	snap := b.Build(nil)

	assert.Equal(t, 1, snap.Len())
	assert.True(t, snap.Truncated())
}

// TestItemResolve verifies deferred generator cells are evaluated on demand.
func TestItemResolve(t *testing.T) {
	calls := 0
	it := Item{Values: []any{"plain", Generator(func() (any, error) {
		calls++
		return 42.0, nil
	})}}

	assert.Equal(t, 0, calls, "generator must not run before resolution")

	v, err := it.Resolve(0)
	require.NoError(t, err)
	assert.Equal(t, "plain", v)

	v, err = it.Resolve(1)
	require.NoError(t, err)
	assert.Equal(t, 42.0, v)
	assert.Equal(t, 1, calls)

	v, err = it.Resolve(5)
	require.NoError(t, err)
	assert.Nil(t, v)
}

// TestNilSnapshot verifies the read contract holds on a nil snapshot.
func TestNilSnapshot(t *testing.T) {
	var snap *Snapshot
	assert.Equal(t, 0, snap.Len())
	assert.Nil(t, snap.Children(Root))
	assert.False(t, snap.HasChildren("x"))
	assert.Equal(t, 0, Empty.Len())
}

func TestSizes(t *testing.T) {
	tests := []struct {
		name    string
		store   Sizes
		result  Sizes
		wantErr bool
	}{
		{name: "both unbounded", store: nil, result: nil},
		{name: "store larger everywhere", store: Sizes{1000, 100}, result: Sizes{100, 10}},
		{name: "equal", store: Sizes{10}, result: Sizes{10}},
		{name: "store smaller at depth 1", store: Sizes{100, 5}, result: Sizes{100, 10}, wantErr: true},
		{name: "store bounded result unbounded", store: Sizes{100}, result: nil, wantErr: true},
		{name: "store unbounded result bounded", store: nil, result: Sizes{10}},
		{name: "last entry repeats", store: Sizes{100, 10}, result: Sizes{10, 10, 20}, wantErr: true},
		{name: "negative", store: Sizes{-1}, result: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSizes(tt.store, tt.result)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	assert.Equal(t, 0, Sizes(nil).At(3))
	assert.Equal(t, 7, Sizes{5, 7}.At(4))
}
