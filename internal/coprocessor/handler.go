package coprocessor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/exp/slices"
)

var (
	// ErrUnknownKey is returned for payloads addressed to a coprocessor the query does not have
	ErrUnknownKey = errors.New("coprocessor: unknown coprocessor key")
	// ErrDuplicateKey is returned when two coprocessors of one query share a key
	ErrDuplicateKey = errors.New("coprocessor: duplicate coprocessor key")
)

// ResultHandler routes incoming payload maps to the coprocessors of one query
// and tracks merges still in flight, so completion can wait for them.
type ResultHandler struct {
	coprocessors map[Key]*Coprocessor
	idle         chan struct{} // closed while no merge is in flight
	keys         []Key
	inflight     int
	mu           sync.Mutex
}

// NewResultHandler creates one coprocessor per settings entry.
func NewResultHandler(settings []Settings) (*ResultHandler, error) {
	h := &ResultHandler{
		coprocessors: make(map[Key]*Coprocessor, len(settings)),
		idle:         make(chan struct{}),
	}
	close(h.idle)
	for _, s := range settings {
		if _, dup := h.coprocessors[s.Key]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, s.Key)
		}
		h.coprocessors[s.Key] = New(s)
		h.keys = append(h.keys, s.Key)
	}
	slices.Sort(h.keys)
	return h, nil
}

// Get returns the coprocessor with the given key.
func (h *ResultHandler) Get(key Key) (*Coprocessor, bool) {
	c, ok := h.coprocessors[key]
	return c, ok
}

// Keys returns the coprocessor keys in sorted order.
func (h *ResultHandler) Keys() []Key {
	return append([]Key(nil), h.keys...)
}

// Handle merges every payload of the map into its coprocessor. Payloads for
// unknown keys are skipped and reported; the rest are still merged.
func (h *ResultHandler) Handle(payloads map[Key]*Payload) error {
	if len(payloads) == 0 {
		return nil
	}
	h.Begin()
	defer h.End()

	var errs error
	for key, p := range payloads {
		c, ok := h.coprocessors[key]
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("%w: %q", ErrUnknownKey, key))
			continue
		}
		if p != nil && p.Key == "" {
			p.Key = key
		}
		errs = multierr.Append(errs, c.Merge(p))
	}
	return errs
}

// Pending returns the number of merges in flight.
func (h *ResultHandler) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inflight
}

// Drain waits until no merge is in flight or the timeout elapses. It reports
// whether the handler went idle.
func (h *ResultHandler) Drain(timeout time.Duration) bool {
	h.mu.Lock()
	idle := h.idle
	h.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-idle:
		return true
	case <-timer.C:
		return false
	}
}

// Begin marks a merge as in flight until the matching End. Callers that
// decide to merge before calling Handle use it so Drain cannot miss them.
func (h *ResultHandler) Begin() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inflight == 0 {
		h.idle = make(chan struct{})
	}
	h.inflight++
}

// End marks a merge started with Begin as done.
func (h *ResultHandler) End() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inflight--
	if h.inflight == 0 {
		close(h.idle)
	}
}
