/*
Package storage is the task repository: the durable, authoritative
record of every translation task and its lifecycle state.

The broker's queues and envelopes are hints that can be lost, doubled,
or go stale; whatever the repository says a task's status is, is what
it is. Components therefore re-read tasks from the repository before
acting on queue messages, and every status change goes through a
guarded transition here.

# Guarded Transitions

The Store interface exposes one method per legal transition
(MarkDispatching, MarkProcessing, CompleteTask, ReclaimTask, ...)
instead of a general status setter. Each method checks its
precondition and applies its effect in a single atomic step — a
guarded UPDATE in MySQL, a serialized read-modify-write transaction in
Bolt — and reports whether the row actually moved. Racing callers
both succeed at the call level; exactly one observes moved=true and
proceeds. Terminal states (COMPLETED, FAILED, CANCELLED) are
unreachable as sources from every transition.

Reclaim-path transitions additionally re-check staleness inside the
guard, so a task that made progress between a sweep's listing and its
lock acquisition is left untouched.

# Implementations

MySQLStore backs the shared cluster deployment over sqlx; the schema
lives in the exported Schema constant and is applied by lingo-migrate.
BoltStore stores tasks as JSON in a single-bucket embedded database
for single-box deployments and the test suite.
*/
package storage
