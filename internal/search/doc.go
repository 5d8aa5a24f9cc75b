// Package search runs distributed search tasks and collects their results.
//
// A Collector dispatches one Task to a set of execution nodes through a
// Dispatcher. Nodes report back through the Callback methods, possibly
// concurrently and in any order; each report carries coprocessor payload
// deltas that are merged by the query's coprocessor.ResultHandler. A node
// that reports completion or failure stops counting towards the remaining
// work, and when no node remains the collector waits briefly for merges still
// in flight before flipping its Completion latch.
//
// Node callbacks find their collector through a Registry keyed by task id.
// Terminating a collector hands the cancellation of outstanding remote work
// to a Canceller, which runs on its own goroutine and contexts.
//
// Per-node errors never fail a whole query: they are collected and reported
// next to the partial results of the nodes that did succeed.
package search
