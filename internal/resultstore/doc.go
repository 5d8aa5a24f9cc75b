// Package resultstore holds the in-memory hierarchical container of grouped
// result rows that the coordinator renders into paginated windows.
//
// A store is a tree of Items addressed by group key. Top-level items hang off
// Root; every other item names its parent. Snapshots are immutable once built,
// so a window can be rendered from one while merges keep producing newer ones.
//
// Retention is controlled per depth with Sizes:
//
//	Sizes{100, 10}   // at most 100 top-level groups, 10 children per group below
//
// The retention bound of a store must never be smaller than the bound a client
// may request; ValidateSizes checks that at configuration time.
package resultstore
