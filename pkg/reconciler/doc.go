/*
Package reconciler keeps the active-node set honest.

Workers add themselves to active_nodes but cannot remove themselves
when they die abruptly, so the set accumulates ghosts: members whose
hash TTL has lapsed, or that advertised OFFLINE or SHUTTING_DOWN on
the way out. The reconciler sweeps the set every 30 seconds and evicts
those members completely (set, ranking, and hash).

The sweep acts only on definitive signals. A node that is merely slow
to heartbeat keeps its membership here; dispatch-time eligibility in
pkg/registry is where the liveness window is enforced. Sweeps are
idempotent and unlocked — concurrent reconcilers issue the same
removals and the broker treats repeats as no-ops.
*/
package reconciler
