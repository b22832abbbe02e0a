/*
Package metrics provides Prometheus instrumentation and health
endpoints for the dispatch service.

All collectors are package-level and registered at init, prefixed
lingo_: dispatch outcomes and latency, pending-queue depth and retry
counters, reclaim counters, node eligibility and evictions, and lock
acquisition results. Handler exposes them at /metrics.

The health side tracks named components; /health reports them all and
/ready gates on the critical ones (broker, database), matching what
the scheduler actually cannot run without.
*/
package metrics
