// Package coprocessor implements the per-component aggregation units of a
// search: one coprocessor per table or chart of a query, identified by Key.
//
// Execution nodes fold raw rows into an Accumulator and ship Payload deltas to
// the coordinator. The coordinator merges them into a Coprocessor through the
// query's ResultHandler and renders result store snapshots on demand.
//
//	node:        rows ─▶ Accumulator ─Flush()─▶ Payload
//	coordinator: Payload ─▶ ResultHandler.Handle ─▶ Coprocessor.Merge
//	             Coprocessor.Snapshot() ─▶ resultstore.Snapshot
//
// Payload merge is commutative and associative: counts and sums add, minimum
// and maximum fold. Retention limits are applied when a snapshot is built, not
// when deltas are merged, so arrival order never changes what a client sees.
package coprocessor
