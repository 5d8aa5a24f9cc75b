package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/sift/internal/coprocessor"
	"github.com/dreamware/sift/internal/format"
	"github.com/dreamware/sift/internal/resultstore"
	"github.com/dreamware/sift/internal/window"
)

// stubCollector serves a fixed snapshot and counts terminations.
type stubCollector struct {
	snap       *resultstore.Snapshot
	settings   coprocessor.Settings
	errs       []string
	id         string
	terminated atomic.Int32
	complete   atomic.Bool
	mu         sync.Mutex
}

func newStub(id string) *stubCollector {
	b := resultstore.NewBuilder("group", "count")
	_ = b.Add(resultstore.Item{Key: "eu", Values: []any{"eu", int64(4)}})
	_ = b.Add(resultstore.Item{Key: "us", Values: []any{"us", int64(2)}})
	return &stubCollector{
		id:       id,
		snap:     b.Build(nil),
		settings: coprocessor.Settings{Key: "table", Kind: coprocessor.KindTable, GroupBy: []string{"region"}},
	}
}

func (s *stubCollector) ID() string       { return s.id }
func (s *stubCollector) Start() error     { return nil }
func (s *stubCollector) Terminate()       { s.terminated.Add(1) }
func (s *stubCollector) IsComplete() bool { return s.complete.Load() }
func (s *stubCollector) AwaitCompletionTimeout(time.Duration) bool {
	return s.complete.Load()
}
func (s *stubCollector) Errors() []string { return s.errs }
func (s *stubCollector) KeepAlive()       {}
func (s *stubCollector) Data(key coprocessor.Key) (*resultstore.Snapshot, error) {
	if key != s.settings.Key {
		return nil, errors.New("unknown component")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, nil
}
func (s *stubCollector) Settings(key coprocessor.Key) (coprocessor.Settings, bool) {
	return s.settings, key == s.settings.Key
}
func (s *stubCollector) Fields(coprocessor.Key) []format.Field { return nil }

func testFormatter(t *testing.T) format.Formatter {
	f, err := format.New(format.Options{})
	require.NoError(t, err)
	return f
}

func TestSessionID(t *testing.T) {
	a := ID("token", "tab-1")
	assert.Len(t, a, 16)
	assert.Equal(t, a, ID("token", "tab-1"))
	assert.NotEqual(t, a, ID("token", "tab-2"))
	assert.NotEqual(t, ID("tok", "entab-1"), ID("token", "tab-1"))
}

func TestRegistryGetCreatesAndReuses(t *testing.T) {
	reg := NewRegistry(RegistryConfig{Logger: zaptest.NewLogger(t)})
	a := reg.Get("s1")
	require.NotNil(t, a)
	assert.Same(t, a, reg.Get("s1"))
	assert.NotSame(t, a, reg.Get("s2"))
	assert.Equal(t, 2, reg.Len())
}

// TestIdleEviction checks an idle session is replaced by a fresh one and its
// collector is destroyed exactly once.
func TestIdleEviction(t *testing.T) {
	reg := NewRegistry(RegistryConfig{IdleTTL: 40 * time.Millisecond, Logger: zaptest.NewLogger(t)})

	first := reg.Get("s1")
	stub := newStub("c1")
	require.NoError(t, first.Add("q1", NewActiveQuery("q1", stub)))

	time.Sleep(120 * time.Millisecond)

	second := reg.Get("s1")
	assert.NotSame(t, first, second)
	assert.Equal(t, 0, second.Len())
	assert.Equal(t, int32(1), stub.terminated.Load())

	// adding to the evicted session is refused
	assert.ErrorIs(t, first.Add("q2", NewActiveQuery("q2", newStub("c2"))), ErrSessionClosed)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), stub.terminated.Load(), "destroy must not repeat")
}

func TestAccessRefreshesIdleTimer(t *testing.T) {
	reg := NewRegistry(RegistryConfig{IdleTTL: 80 * time.Millisecond})
	a := reg.Get("s1")
	for i := 0; i < 5; i++ {
		time.Sleep(30 * time.Millisecond)
		require.Same(t, a, reg.Get("s1"))
	}
}

func TestSizeBoundEvictsOldest(t *testing.T) {
	reg := NewRegistry(RegistryConfig{MaxSessions: 2})
	stub := newStub("c1")
	require.NoError(t, reg.Get("s1").Add("q", NewActiveQuery("q", stub)))
	reg.Get("s2")
	reg.Get("s3")

	_, ok := reg.Peek("s1")
	assert.False(t, ok)
	assert.Equal(t, int32(1), stub.terminated.Load())
}

func TestDestroyUnused(t *testing.T) {
	a := newActiveQueries("s", zaptest.NewLogger(t))
	stubA, stubB := newStub("a"), newStub("b")
	require.NoError(t, a.Add("A", NewActiveQuery("A", stubA)))
	require.NoError(t, a.Add("B", NewActiveQuery("B", stubB)))

	removed := a.DestroyUnused(map[string]bool{"A": true})
	assert.Equal(t, []string{"B"}, removed)
	assert.Equal(t, int32(1), stubB.terminated.Load())
	assert.Equal(t, int32(0), stubA.terminated.Load())

	q, ok := a.Get("A")
	require.True(t, ok)
	assert.Same(t, stubA, q.Collector())
	assert.Equal(t, []string{"A"}, a.Keys())
}

func TestAddReplacesAndDestroysOld(t *testing.T) {
	a := newActiveQueries("s", zaptest.NewLogger(t))
	old, repl := newStub("old"), newStub("new")
	require.NoError(t, a.Add("A", NewActiveQuery("A", old)))
	require.NoError(t, a.Add("A", NewActiveQuery("A", repl)))
	assert.Equal(t, int32(1), old.terminated.Load())
	assert.Equal(t, 1, a.Len())
}

func TestActiveQueryRender(t *testing.T) {
	stub := newStub("c")
	stub.settings.ResultSize = resultstore.Sizes{1}
	q := NewActiveQuery("q", stub)
	f := testFormatter(t)

	res, err := q.Render("table", window.Request{}, f)
	require.NoError(t, err)
	assert.Len(t, res.Rows, 1, "zero length uses the default result size")
	assert.Equal(t, 1, res.Total, "result size caps the visible rows")
	assert.False(t, res.Complete)

	again, err := q.Render("table", window.Request{}, f)
	require.NoError(t, err)
	assert.True(t, again.Unchanged)
	assert.Nil(t, again.Rows)

	stub.complete.Store(true)
	stub.errs = []string{"node-b: disk full"}
	final, err := q.Render("table", window.Request{}, f)
	require.NoError(t, err)
	assert.False(t, final.Unchanged)
	assert.True(t, final.Complete)
	assert.Equal(t, "node-b: disk full", final.Error)
	assert.Len(t, final.Rows, 1)

	_, err = q.Render("chart", window.Request{}, f)
	assert.Error(t, err)

	q.Destroy()
	q.Destroy()
	assert.Equal(t, int32(1), stub.terminated.Load())
	_, err = q.Render("table", window.Request{}, f)
	assert.ErrorIs(t, err, ErrQueryDestroyed)
}

func TestRegistryClose(t *testing.T) {
	reg := NewRegistry(RegistryConfig{})
	stub := newStub("c")
	require.NoError(t, reg.Get("s").Add("q", NewActiveQuery("q", stub)))
	reg.Close()
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, int32(1), stub.terminated.Load())
}
