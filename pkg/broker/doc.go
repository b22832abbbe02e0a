/*
Package broker abstracts the shared coordination substrate the
dispatchers, reconcilers, and worker agents communicate through.

The platform coordinates through Redis structures: sets for node
membership, hashes for node state, a sorted set for node rankings,
lists for work/control/pending queues, and SET-NX keys with TTL for
locks. The Broker interface mirrors exactly that command surface, no
more, so both implementations stay trivially correct:

  - RedisBroker: the production implementation over go-redis, one
    broker shared by every process on the platform.
  - MemoryBroker: a process-local map-backed implementation for tests
    and single-box mode, with a settable clock for TTL behavior.

# Keyspace

The keyspace is shared with the worker fleet and is therefore part of
the platform's wire contract:

	active_nodes            set     node IDs claiming liveness
	node_rankings           zset    node ID → load score (lower = better)
	worker_nodes:{id}       hash    advertised node state, TTL-bound
	task_queue:{id}         list    work messages for one node
	control_queue:{id}      list    control messages for one node
	pending_tasks           list    parked task envelopes
	lock:{name}             string  SET-NX lock tokens

# List Convention

Producers push at the head and consumers pop from the tail, so queues
drain FIFO by arrival. Requeues also push at the head, which puts a
retried item ahead of newer arrivals; see pkg/dispatcher for where
that trade-off is made deliberately.
*/
package broker
