// Package cluster defines the wire protocol between the coordinator and the
// execution nodes and the HTTP dispatcher that drives it.
//
// # Overview
//
// A search runs as one task per execution node. The coordinator owns the
// collector that waits for those tasks; the nodes own the shards that hold
// the records. Everything that crosses the process boundary is a JSON body
// defined here, and everything that sends one goes through PostJSON, PutJSON
// or GetJSON.
//
// # Protocol
//
//	coordinator                                   node
//	    │  POST /register   RegisterRequest          │  (node → coordinator, at startup)
//	    │◀───────────────────────────────────────────│
//	    │                                            │
//	    │  POST /search     SearchRequest            │
//	    │───────────────────────────────────────────▶│  202 Accepted
//	    │                                            │
//	    │  POST /cluster/results  ResultEnvelope     │  one per flushed batch,
//	    │◀───────────────────────────────────────────│  in order
//	    │  ...                                       │
//	    │  POST /cluster/results  Complete=true      │
//	    │◀───────────────────────────────────────────│
//	    │                                            │
//	    │  POST /search/cancel  CancelRequest        │  best effort
//	    │───────────────────────────────────────────▶│
//
// Nodes join by posting a RegisterRequest to the coordinator's /register
// endpoint. To run a search the coordinator posts a SearchRequest to each
// node's /search endpoint; the node acknowledges immediately and then posts
// its result stream, in order, as ResultEnvelope messages to the results URL
// named in the request. The last message of a successful stream has
// Complete set. A node that gives up sends an envelope with Error set
// instead. The coordinator answers 410 Gone once the search's collector is
// terminated, and the node stops the task.
//
// Cancellation is best effort: the coordinator posts a CancelRequest to
// /search/cancel and the node stops scanning if the task is still running.
// CancelResponse reports whether it was.
//
// # Result Messages
//
// A ResultEnvelope carries a search.NodeResult: one payload delta per
// coprocessor of the task, the record errors seen since the previous
// message, and the Complete flag. Deltas are additive. The coordinator
// merges them in whatever order they arrive and a lost message only loses
// its own delta, never earlier ones.
//
// # Dispatcher
//
// HTTPDispatcher implements search.Dispatcher:
//
//   - Dispatch resolves every target node through the Resolver and posts
//     the task to each one concurrently, bounded by Parallelism. A node
//     that cannot be resolved, reached, or that rejects the task is
//     reported through the callback's OnFailure; the others proceed.
//   - Cancel posts a CancelRequest to each node and returns the combined
//     error of the nodes that could not be told.
//
// Successful results do not flow through the dispatcher. The coordinator's
// HTTP layer decodes each envelope and hands it to ResultEnvelope.Deliver,
// which routes it to the collector registered under the task id.
//
// # Helpers
//
// PostJSON, PutJSON and GetJSON share one HTTP client with a five second
// timeout. Non-2xx responses are returned as *StatusError, which keeps the
// status code so callers can tell a 410 Gone from a transport failure:
//
//	var se *StatusError
//	if errors.As(err, &se) && se.Status == http.StatusGone {
//	    // the coordinator no longer wants this task
//	}
//
// # Thread Safety
//
// HTTPDispatcher holds no per-call state and is safe for concurrent use. The
// message types are plain values.
package cluster
