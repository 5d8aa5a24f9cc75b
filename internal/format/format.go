// Package format renders resolved cell values for display, per field type and
// locale.
package format

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/dreamware/sift/internal/coprocessor"
	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// Type is the display type of a field.
type Type string

const (
	TypeString   Type = "string"
	TypeInteger  Type = "integer"
	TypeNumber   Type = "number"
	TypeDate     Type = "date"
	TypeBytes    Type = "bytes"
	TypeDuration Type = "duration"
)

// LayoutRelative renders dates relative to now ("3 minutes ago").
const LayoutRelative = "relative"

// ErrUnformattable is returned when a value cannot be rendered as its field type.
var ErrUnformattable = errors.New("format: value does not match field type")

// Field describes one column of a rendered window.
type Field struct {
	Name  string `json:"name" yaml:"name" mapstructure:"name"`
	Type  Type   `json:"type" yaml:"type" mapstructure:"type"`
	Label string `json:"label,omitempty" yaml:"label,omitempty" mapstructure:"label"`
}

// Title returns the label, or the name when no label is set.
func (f Field) Title() string {
	if f.Label != "" {
		return f.Label
	}
	return f.Name
}

// Formatter renders resolved values. Implementations must be safe for concurrent use.
type Formatter interface {
	Format(f Field, v any) (string, error)
}

// Options configures a Locale formatter.
type Options struct {
	Locale     string
	TimeZone   string
	DateLayout string
	Digits     int // maximum fraction digits for numbers
	Now        func() time.Time
}

// Locale formats values with locale-aware digit grouping.
type Locale struct {
	printer *message.Printer
	loc     *time.Location
	now     func() time.Time
	layout  string
	digits  int
}

// New creates a Locale formatter. Empty options default to en, UTC,
// "2006-01-02 15:04:05" and two fraction digits.
func New(opts Options) (*Locale, error) {
	tag := language.English
	if opts.Locale != "" {
		t, err := language.Parse(opts.Locale)
		if err != nil {
			return nil, fmt.Errorf("format: locale %q: %w", opts.Locale, err)
		}
		tag = t
	}
	loc := time.UTC
	if opts.TimeZone != "" {
		l, err := time.LoadLocation(opts.TimeZone)
		if err != nil {
			return nil, fmt.Errorf("format: time zone %q: %w", opts.TimeZone, err)
		}
		loc = l
	}
	layout := opts.DateLayout
	if layout == "" {
		layout = "2006-01-02 15:04:05"
	}
	digits := opts.Digits
	if digits <= 0 {
		digits = 2
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Locale{
		printer: message.NewPrinter(tag),
		loc:     loc,
		layout:  layout,
		digits:  digits,
		now:     now,
	}, nil
}

// Format renders v as field type f.Type. nil renders as "".
func (l *Locale) Format(f Field, v any) (string, error) {
	if v == nil {
		return "", nil
	}
	switch f.Type {
	case TypeInteger:
		n, ok := coprocessor.Number(v)
		if !ok {
			return "", mismatch(f, v)
		}
		return l.printer.Sprintf("%d", int64(math.Round(n))), nil
	case TypeNumber:
		n, ok := coprocessor.Number(v)
		if !ok {
			return "", mismatch(f, v)
		}
		return l.printer.Sprint(number.Decimal(n, number.MaxFractionDigits(l.digits))), nil
	case TypeBytes:
		n, ok := coprocessor.Number(v)
		if !ok || n < 0 {
			return "", mismatch(f, v)
		}
		return humanize.IBytes(uint64(n)), nil
	case TypeDuration:
		n, ok := coprocessor.Number(v)
		if !ok {
			return "", mismatch(f, v)
		}
		// durations are recorded in milliseconds
		return (time.Duration(n * float64(time.Millisecond))).Round(time.Millisecond).String(), nil
	case TypeDate:
		t, err := toTime(v)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrUnformattable, f.Name, err)
		}
		if l.layout == LayoutRelative {
			return humanize.RelTime(t, l.now(), "ago", "from now"), nil
		}
		return t.In(l.loc).Format(l.layout), nil
	default:
		return coprocessor.GroupValue(v), nil
	}
}

func mismatch(f Field, v any) error {
	return fmt.Errorf("%w: %s (%s) got %T", ErrUnformattable, f.Name, f.Type, v)
}

// toTime accepts time.Time, epoch milliseconds, or RFC 3339 text.
func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts, nil
		}
		ms, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("unparseable date %q", t)
		}
		return time.UnixMilli(int64(ms)), nil
	default:
		ms, ok := coprocessor.Number(v)
		if !ok {
			return time.Time{}, fmt.Errorf("unsupported date value %T", v)
		}
		return time.UnixMilli(int64(ms)), nil
	}
}
