// Package window renders paginated, grouped row windows out of result store
// snapshots.
//
// Rows are numbered by a depth-first walk from the root: a row takes the next
// position, then the children of an open row follow inline, then the next
// sibling. Opening a group therefore shifts the positions of every row after
// it. Exports walk the same order.
package window

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/sift/internal/coprocessor"
	"github.com/dreamware/sift/internal/format"
	"github.com/dreamware/sift/internal/resultstore"
)

// Unbounded as a Request length serves every row from the offset on.
const Unbounded = -1

// ErrUnknownKind is returned by New for an unsupported component kind.
var ErrUnknownKind = errors.New("window: unknown component kind")

// Request asks for one window of rows.
type Request struct {
	Open   []string          `json:"open,omitempty" yaml:"open,omitempty"`
	Fields []format.Field    `json:"fields,omitempty" yaml:"fields,omitempty"`
	Limits resultstore.Sizes `json:"-" yaml:"-"`
	Offset int               `json:"offset" yaml:"offset" validate:"min=0"`
	Length int               `json:"length" yaml:"length" validate:"min=-1"`
}

// Row is one rendered row.
type Row struct {
	Key         string   `json:"key"`
	Parent      string   `json:"parent,omitempty"`
	Cells       []string `json:"cells"`
	Depth       int      `json:"depth"`
	HasChildren bool     `json:"has_children,omitempty"`
	Open        bool     `json:"open,omitempty"`
}

func (r Row) equal(o Row) bool {
	return r.Key == o.Key && r.Parent == o.Parent && r.Depth == o.Depth &&
		r.HasChildren == o.HasChildren && r.Open == o.Open && slices.Equal(r.Cells, o.Cells)
}

// Result is a rendered window. Offset and Count describe the range actually
// served; Total counts every visible row, not just the window.
type Result struct {
	Rows      []Row          `json:"rows"`
	Fields    []format.Field `json:"fields,omitempty"`
	Error     string         `json:"error,omitempty"`
	Offset    int            `json:"offset"`
	Count     int            `json:"count"`
	Total     int            `json:"total"`
	Complete  bool           `json:"complete"`
	Truncated bool           `json:"truncated,omitempty"`
	Unchanged bool           `json:"unchanged,omitempty"`
}

// Equal reports whether two results carry the same content.
func (r *Result) Equal(o *Result) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.Offset == o.Offset && r.Count == o.Count && r.Total == o.Total &&
		r.Error == o.Error && r.Complete == o.Complete && r.Truncated == o.Truncated &&
		slices.Equal(r.Fields, o.Fields) &&
		slices.EqualFunc(r.Rows, o.Rows, Row.equal)
}

// Failed builds the terminal result of a query that cannot produce rows.
func Failed(err error) *Result {
	return &Result{Rows: []Row{}, Error: err.Error(), Complete: true}
}

// Creator renders windows for one query component. Creators are stateful per
// component and safe for concurrent use.
type Creator interface {
	Create(snap *resultstore.Snapshot, req Request, f format.Formatter) *Result
	Kind() coprocessor.Kind
	// FieldLayout returns the last field layout used, when the variant has one.
	FieldLayout() ([]format.Field, bool)
}

// New returns the creator variant for a component kind.
func New(kind coprocessor.Kind) (Creator, error) {
	switch kind {
	case coprocessor.KindTable, "":
		return &Table{}, nil
	case coprocessor.KindChart:
		return &Chart{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// Table renders the full grouped hierarchy, expanding open groups inline.
type Table struct {
	fields []format.Field
	mu     sync.Mutex
}

// Kind returns coprocessor.KindTable.
func (t *Table) Kind() coprocessor.Kind { return coprocessor.KindTable }

// FieldLayout returns the layout of the last rendered window.
func (t *Table) FieldLayout() ([]format.Field, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fields == nil {
		return nil, false
	}
	return append([]format.Field(nil), t.fields...), true
}

// Create renders the rows in [req.Offset, req.Offset+req.Length).
func (t *Table) Create(snap *resultstore.Snapshot, req Request, f format.Formatter) *Result {
	fields := layout(snap, req.Fields)
	t.mu.Lock()
	t.fields = fields
	t.mu.Unlock()

	w := newWalker(snap, req.Open, req.Limits, fields, f)
	return w.window(req, true)
}

// Chart renders the top-level series only. Open groups are ignored.
type Chart struct{}

// Kind returns coprocessor.KindChart.
func (Chart) Kind() coprocessor.Kind { return coprocessor.KindChart }

// FieldLayout reports no layout.
func (Chart) FieldLayout() ([]format.Field, bool) { return nil, false }

// Create renders the top-level rows in [req.Offset, req.Offset+req.Length).
func (Chart) Create(snap *resultstore.Snapshot, req Request, f format.Formatter) *Result {
	w := newWalker(snap, nil, req.Limits, layout(snap, req.Fields), f)
	return w.window(req, false)
}

// Export streams every visible row in window order to fn. When maxRows is
// positive and more rows are visible, rows are down-sampled evenly across the
// full order to at most maxRows. It returns the number of rows written.
func Export(snap *resultstore.Snapshot, open []string, fields []format.Field, f format.Formatter, maxRows int, fn func(Row) error) (int, error) {
	fields = layout(snap, fields)

	counter := newWalker(snap, open, nil, fields, f)
	counter.want = func(int) bool { return false }
	counter.walk(resultstore.Root, 0, true)
	total := counter.pos

	w := newWalker(snap, open, nil, fields, f)
	w.want = func(int) bool { return true }
	if maxRows > 0 && total > maxRows {
		keep := make(map[int]bool, maxRows)
		for k := 0; k < maxRows; k++ {
			keep[k*total/maxRows] = true
		}
		w.want = func(pos int) bool { return keep[pos] }
	}
	written := 0
	w.emit = func(r Row) error {
		if err := fn(r); err != nil {
			return err
		}
		written++
		return nil
	}
	w.walk(resultstore.Root, 0, true)
	return written, w.err
}

// layout returns the requested fields, falling back to untyped fields named
// after the snapshot columns.
func layout(snap *resultstore.Snapshot, fields []format.Field) []format.Field {
	if len(fields) > 0 {
		return fields
	}
	cols := snap.Columns()
	out := make([]format.Field, len(cols))
	for i, c := range cols {
		out[i] = format.Field{Name: c}
	}
	return out
}

type walker struct {
	snap   *resultstore.Snapshot
	open   map[string]bool
	limits resultstore.Sizes
	fields []format.Field
	f      format.Formatter
	want   func(pos int) bool
	emit   func(Row) error
	err    error
	pos    int
}

func newWalker(snap *resultstore.Snapshot, open []string, limits resultstore.Sizes, fields []format.Field, f format.Formatter) *walker {
	set := make(map[string]bool, len(open))
	for _, k := range open {
		set[k] = true
	}
	return &walker{snap: snap, open: set, limits: limits, fields: fields, f: f}
}

func (w *walker) window(req Request, nested bool) *Result {
	start := req.Offset
	if start < 0 {
		start = 0
	}
	end := Unbounded
	if req.Length >= 0 {
		end = start + req.Length
	}
	rows := []Row{}
	w.want = func(pos int) bool { return pos >= start && (end < 0 || pos < end) }
	w.emit = func(r Row) error {
		rows = append(rows, r)
		return nil
	}
	w.walk(resultstore.Root, 0, nested)

	res := &Result{
		Rows:      rows,
		Fields:    w.fields,
		Offset:    start,
		Count:     len(rows),
		Total:     w.pos,
		Truncated: w.snap.Truncated(),
	}
	if w.err != nil {
		res.Error = w.err.Error()
	}
	return res
}

// walk numbers the children of parent and, for open ones, their subtrees.
// After the first failure no further rows are emitted but counting goes on,
// so the total stays exact.
func (w *walker) walk(parent string, depth int, nested bool) {
	children := w.snap.Children(parent)
	if n := w.limits.At(depth); n > 0 && len(children) > n {
		children = children[:n]
	}
	for _, it := range children {
		open := nested && w.open[it.Key]
		if w.err == nil && w.want(w.pos) {
			row, err := w.render(it, open)
			if err == nil {
				err = w.emit(row)
			}
			if err != nil {
				w.err = fmt.Errorf("window: row %q: %w", displayKey(it.Key), err)
			}
		}
		w.pos++
		if open {
			w.walk(it.Key, depth+1, nested)
		}
	}
}

func (w *walker) render(it resultstore.Item, open bool) (Row, error) {
	row := Row{
		Key:         it.Key,
		Parent:      it.Parent,
		Depth:       it.Depth,
		HasChildren: w.snap.HasChildren(it.Key),
		Cells:       make([]string, len(it.Values)),
	}
	row.Open = open && row.HasChildren
	for i := range it.Values {
		v, err := it.Resolve(i)
		if err != nil {
			return Row{}, err
		}
		field := format.Field{}
		if i < len(w.fields) {
			field = w.fields[i]
		}
		s, err := w.f.Format(field, v)
		if err != nil {
			return Row{}, err
		}
		row.Cells[i] = s
	}
	return row, nil
}

// displayKey makes nested group keys readable in error messages.
func displayKey(key string) string {
	return strings.ReplaceAll(key, "\x1f", "/")
}
