package format

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocaleFormat(t *testing.T) {
	f, err := New(Options{})
	require.NoError(t, err)

	tests := []struct {
		name  string
		field Field
		value any
		want  string
	}{
		{name: "nil", field: Field{Type: TypeNumber}, value: nil, want: ""},
		{name: "string", field: Field{Type: TypeString}, value: "eu-west", want: "eu-west"},
		{name: "untyped number", field: Field{}, value: 2.5, want: "2.5"},
		{name: "integer grouping", field: Field{Type: TypeInteger}, value: int64(1234567), want: "1,234,567"},
		{name: "integer rounds", field: Field{Type: TypeInteger}, value: 2.6, want: "3"},
		{name: "number", field: Field{Type: TypeNumber}, value: 1234.5678, want: "1,234.57"},
		{name: "bytes", field: Field{Type: TypeBytes}, value: 2048.0, want: "2.0 KiB"},
		{name: "duration ms", field: Field{Type: TypeDuration}, value: 1500.0, want: "1.5s"},
		{name: "date epoch ms", field: Field{Type: TypeDate}, value: 0.0, want: "1970-01-01 00:00:00"},
		{name: "date rfc3339", field: Field{Type: TypeDate}, value: "2024-03-01T10:00:00Z", want: "2024-03-01 10:00:00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.Format(tt.field, tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLocaleGermanGrouping(t *testing.T) {
	f, err := New(Options{Locale: "de"})
	require.NoError(t, err)

	got, err := f.Format(Field{Type: TypeNumber}, 1234.5)
	require.NoError(t, err)
	assert.Equal(t, "1.234,5", got)
}

func TestRelativeDates(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	f, err := New(Options{DateLayout: LayoutRelative, Now: func() time.Time { return now }})
	require.NoError(t, err)

	got, err := f.Format(Field{Type: TypeDate}, now.Add(-3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "3 minutes ago", got)
}

func TestFormatMismatch(t *testing.T) {
	f, err := New(Options{})
	require.NoError(t, err)

	_, err = f.Format(Field{Name: "when", Type: TypeDate}, "yesterday")
	assert.True(t, errors.Is(err, ErrUnformattable))

	_, err = f.Format(Field{Name: "n", Type: TypeInteger}, "many")
	assert.True(t, errors.Is(err, ErrUnformattable))

	_, err = f.Format(Field{Name: "b", Type: TypeBytes}, -1.0)
	assert.True(t, errors.Is(err, ErrUnformattable))
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(Options{TimeZone: "Mars/Olympus"})
	assert.Error(t, err)

	_, err = New(Options{Locale: "!!"})
	assert.Error(t, err)
}

func TestFieldTitle(t *testing.T) {
	assert.Equal(t, "Latency", Field{Name: "latency", Label: "Latency"}.Title())
	assert.Equal(t, "latency", Field{Name: "latency"}.Title())
}
