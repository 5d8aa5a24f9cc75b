package resultstore

import (
	"errors"
	"fmt"
)

// ErrStoreTooSmall is returned when a store retention bound is smaller than
// the result bound at the same depth.
var ErrStoreTooSmall = errors.New("resultstore: store size smaller than result size")

// Sizes bounds the number of items kept per parent at each grouping depth.
// Depths past the end of the slice reuse the last entry. A bound of 0, or an
// empty Sizes, means unbounded.
type Sizes []int

// At returns the bound for the given depth, 0 meaning unbounded.
func (s Sizes) At(depth int) int {
	if len(s) == 0 || depth < 0 {
		return 0
	}
	if depth >= len(s) {
		return s[len(s)-1]
	}
	return s[depth]
}

// ValidateSizes checks that store retains at least as many items as result
// can ever request, at every depth. A store must be unbounded wherever the
// result is unbounded.
func ValidateSizes(store, result Sizes) error {
	depths := len(store)
	if len(result) > depths {
		depths = len(result)
	}
	for d := 0; d < depths; d++ {
		s, r := store.At(d), result.At(d)
		if s == 0 {
			continue
		}
		if r == 0 || s < r {
			return fmt.Errorf("%w: depth %d store=%d result=%d", ErrStoreTooSmall, d, s, r)
		}
	}
	for _, v := range append(append(Sizes{}, store...), result...) {
		if v < 0 {
			return fmt.Errorf("resultstore: negative size %d", v)
		}
	}
	return nil
}
