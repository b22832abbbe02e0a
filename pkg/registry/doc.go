/*
Package registry tracks the worker fleet and selects nodes for
dispatch.

Workers advertise themselves in the broker: a worker_nodes:{id} hash
with host stats and status, membership in the active_nodes set, and a
load score in the node_rankings sorted set. The registry is the
scheduler-side reader of that state. It never writes node state on a
worker's behalf; it only prunes what no longer holds.

# Eligibility

A node is eligible for dispatch when all of the following hold:

  - it is a member of active_nodes
  - its hash exists (the worker's TTL has not lapsed)
  - its advertised status parses to ONLINE
  - its last heartbeat is within the liveness window (default 5m)

ListAvailable applies the predicate and opportunistically evicts
nodes that fail it, so the broker's view converges toward reality on
every read. Eviction is idempotent: a second pass over the same state
removes nothing further.

# Selection

SelectOptimal picks the eligible node with the lowest load score:

	score = cpu_usage + memory_used_percent + active_tasks * 10

The active task count is recounted from the task repository rather
than trusted from the heartbeat, because the heartbeat is stale by up
to its interval and capacity mistakes are expensive. Nodes at or over
the capacity ceiling are skipped outright. Candidates are scored in
ranking order, so ties go to the node the workers themselves ranked
best and repeated selections over unchanged state are deterministic.

Selection runs under a time-sharded lock (node_selection:{shard}) so a
burst of concurrent dispatchers does not herd onto one node. A
contended shard yields nil, which callers treat as backpressure: the
task parks and the drain retries shortly.

# Integration Points

This package integrates with:

  - pkg/broker for the worker-maintained node state
  - pkg/storage for authoritative per-node task counts
  - pkg/lock for selection sharding
  - pkg/dispatcher as its sole selection consumer
  - pkg/reconciler which shares RemoveCompletely for membership sweeps
*/
package registry
