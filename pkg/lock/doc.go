/*
Package lock provides distributed mutual exclusion over broker SET-NX
keys.

Locks here are scheduling optimizations, not correctness primitives:
they reduce duplicate work between dispatcher instances, while the
repository's guarded transitions remain the actual defense against
double dispatch. That informs the deliberately loose contract:

  - Acquisition busy-polls SetNX every 50ms until the wait budget
    runs out; there is no fairness or queueing.
  - Every lock carries a TTL and auto-expires, so a crashed holder
    never wedges a key.
  - Unlock deletes the key without checking the owner token. A holder
    that outlives its TTL can release a successor's lock; callers
    choose TTLs generously longer than their critical sections to
    keep that window irrelevant.

WithLock is the usual entry point: it runs a function under a key and
returns ErrNotAcquired, distinct from execution errors, when the
function never ran. Callers decide per call site whether contention
means "skip", "requeue", or "try later".
*/
package lock
