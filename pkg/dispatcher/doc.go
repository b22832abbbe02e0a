/*
Package dispatcher assigns translation tasks to worker nodes and keeps
them moving until they reach a terminal state.

The dispatcher is the scheduling core of the platform: it owns the
synchronous dispatch fast-path used at task creation, the pending-queue
drain that retries unplaceable tasks, the stuck-task reclaimer that
recovers work stranded on dead nodes, and the control-queue path for
task cancellation.

# Architecture

	┌──────────────────────── DISPATCHER ────────────────────────┐
	│                                                             │
	│  ┌───────────────────────────────────────────┐             │
	│  │           Dispatch Fast-Path               │             │
	│  │                                            │             │
	│  │  Dispatch(task)                            │             │
	│  │    → lock task_dispatch:{id}               │             │
	│  │    → PENDING → DISPATCHING (guarded)       │             │
	│  │    → registry.SelectOptimal                │             │
	│  │    → handoff OR park                       │             │
	│  └───────────────────┬───────────────────────┘             │
	│                      │                                      │
	│  ┌───────────────────▼───────────────────────┐             │
	│  │              Handoff                       │             │
	│  │                                            │             │
	│  │  lock node_dispatch:{node}                 │             │
	│  │    → recount PROCESSING from repository    │             │
	│  │    → reject if at capacity                 │             │
	│  │    → push work to task_queue:{node}        │             │
	│  │    → mark PROCESSING (tolerant)            │             │
	│  └───────────────────┬───────────────────────┘             │
	│                      │                                      │
	│  ┌───────────────────▼───────────────────────┐             │
	│  │        Background Sweepers                 │             │
	│  │                                            │             │
	│  │  Pending drain (every 30s):                │             │
	│  │    pop one envelope from pending_tasks,    │             │
	│  │    retry placement, requeue or fail        │             │
	│  │                                            │             │
	│  │  Stuck-task reclaimer (every 5m):          │             │
	│  │    find PROCESSING tasks with no update    │             │
	│  │    for 30m, return to PENDING or fail      │             │
	│  └────────────────────────────────────────────┘            │
	└─────────────────────────────────────────────────────────┘

# Task Lifecycle

A task moves through the following states:

	PENDING → DISPATCHING → PROCESSING → COMPLETED
	   ↑           │             │      → FAILED
	   └───────────┘             │      → CANCELLED
	   └─────────────────────────┘  (reclaim)

PENDING is the only state the dispatcher picks work up from.
DISPATCHING is a short-lived claim held while a node is selected; a
task parked without a node returns to PENDING. PROCESSING belongs to
the worker until it finishes, fails, is cancelled, or goes stale and
is reclaimed. COMPLETED, FAILED, and CANCELLED are terminal: no
component transitions a task out of them, ever.

All transitions are guarded single statements in the repository, so a
lost race shows up as "no rows moved" rather than a double write.

# Concurrency Model

Any number of dispatcher instances may run against the same broker and
repository. Coordination is layered:

  - Per-task locks (task_dispatch, pending_task_process, task_recover)
    serialize work on one task across instances.
  - Per-node locks (node_dispatch) serialize capacity decisions for one
    node, closing the overbooking window between selection and handoff.
  - A global sweep lock (recover_stuck_tasks_lock) keeps concurrent
    reclaim sweeps from doubling up; a contended instance skips its
    tick entirely.
  - The guarded repository transitions are the last line of defense:
    even with every lock lost to TTL expiry, a task cannot be handed
    off twice because only one MarkDispatching can move it.

The fast-path treats lock contention as success: some other instance
owns the task, and the pending drain backstops anything dropped.

# Ordering

The work message is pushed to the node's queue before the task is
marked PROCESSING. A crash between the two leaves a PENDING-or-
DISPATCHING task whose message is already in flight; the worker
tolerates this and transitions the task itself. The opposite order
would leave a PROCESSING task that no worker ever received, invisible
until the reclaimer's threshold.

Requeued pending envelopes go to the head of the queue and the drain
pops from the tail, so a retried task waits behind the tasks that
arrived before it retried.

# Integration Points

This package integrates with:

  - pkg/registry for node selection and eligibility
  - pkg/storage for guarded task state transitions
  - pkg/broker for queues, envelopes, and locks
  - pkg/lock for mutual exclusion across instances
  - pkg/events for lifecycle notifications
  - pkg/metrics for dispatch, drain, and reclaim counters
*/
package dispatcher
