// Package coordinator tracks cluster state on the coordinator: which
// execution nodes are registered, whether they are healthy, and which node
// owns each shard.
//
// # Overview
//
// The coordinator is the control plane of a sift cluster. It does not hold
// records and does not scan anything; it decides where records are stored
// and which nodes take part in a new search. This package is the state
// behind those decisions. The HTTP surface lives in package server and the
// search machinery in package search.
//
// # Architecture
//
//	┌────────────────────────────────────────┐
//	│              Membership                │
//	│  registered nodes (id → base URL)      │
//	│                                        │
//	│   ┌──────────────┐  ┌───────────────┐  │
//	│   │ HealthMonitor│  │ ShardRegistry │  │
//	│   │ /health poll │  │ shard → node  │  │
//	│   └──────────────┘  └───────────────┘  │
//	└────────────────────────────────────────┘
//	      │ HealthyNodes          │ Route
//	      ▼                       ▼
//	  new searches            ingestion
//
// # Core Components
//
// Membership: the entry point
//   - Registers nodes and updates their address on re-registration
//   - Serves as search.NodeSource: HealthyNodes picks the targets of a search
//   - Serves as cluster.Resolver: Addr maps a node id to its base URL
//   - Hands unowned shards to new nodes
//
// HealthMonitor: failure detection
//   - Polls GET /health on every registered node each interval
//   - Marks a node unhealthy after MaxFailures consecutive failures
//   - Marks it healthy again after one successful check
//   - Forgets nodes that are no longer registered
//
// ShardRegistry: record placement
//   - Fixed number of shards, chosen at startup
//   - Round-robin assignment of unowned shards
//   - Sticky ownership: a shard keeps its owner until the owner is removed
//
// # Node Eligibility
//
// Nodes that failed MaxFailures consecutive health checks are left out of
// new searches until they pass a check again; searches already running keep
// waiting for them until they complete, fail or are cancelled. A node that
// registered but has not been checked yet is eligible.
//
// # Shards And Searches
//
// The ShardRegistry is only consulted for ingestion. Record keys hash to a
// shard with shard.ForKey and the shard's owner stores the record. Searches
// do not route by shard: every healthy node scans every shard it holds.
//
//	key "req-42" ──xxhash──▶ shard 5 ──registry──▶ node-2 ──PUT──▶ stored
//
// Because ownership is sticky, re-ingesting a key lands on the node that
// already holds it. Removing a node releases its shards to the remaining
// nodes; records it held are no longer searched.
//
// # Usage
//
//	health := NewHealthMonitor(HealthConfig{Interval: 5 * time.Second, Logger: logger})
//	membership := NewMembership(NewShardRegistry(64), health, logger)
//	go health.Start(ctx, membership.Nodes)
//	defer health.Stop()
//
//	membership.Register(cluster.NodeInfo{ID: "node-1", Addr: "http://10.0.0.5:8081"})
//	targets := membership.HealthyNodes()
//
// # Thread Safety
//
// All types in this package are safe for concurrent use. Health callbacks
// run in their own goroutines and may call back into Membership.
package coordinator
