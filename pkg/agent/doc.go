/*
Package agent is the worker-side node process: registration,
heartbeats, queue consumption, and task lifecycle bookkeeping around a
pluggable task handler.

# Responsibilities

The agent owns everything about a worker node except the actual
transcription and translation work, which is delegated to a Handler:

  - Registration: publish the worker_nodes:{id} hash, join the
    active_nodes set, and arm the hash TTL at three heartbeat
    intervals, so a worker that misses three beats disappears from
    the broker on its own.
  - Heartbeats: refresh the hash with live host stats (gopsutil) and
    keep the node_rankings entry in step with the node's status.
    Online nodes publish a score of

	0.4*(mem%/100) + 0.3*(cpu%/100) + 0.3*min(active/10, 1)

    where lower is better; any other status removes the ranking entry
    so dispatchers stop selecting the node immediately.
  - Work consumption: pop task_queue:{id} whenever a concurrency slot
    is free, run the handler, and drive the task to COMPLETED, FAILED,
    or CANCELLED through the repository's guarded transitions.
  - Control consumption: pop control_queue:{id} and apply CANCEL_TASK
    idempotently — a running task has its context cancelled, a queued
    task is marked for dropping on pickup, and a repeat cancel is a
    no-op.

# Shutdown

Stop drains rather than kills: the node advertises SHUTTING_DOWN
(which removes it from the ranking and stops it taking work), waits
for in-flight tasks up to the caller's deadline, advertises OFFLINE,
then unregisters. Work
left on the queue of a node that died instead of draining is
recovered by the dispatcher's stuck-task reclaimer.
*/
package agent
