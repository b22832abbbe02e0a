/*
Package types defines the domain types and wire formats shared across
the platform.

Tasks, nodes, statuses, and the broker message bodies (work messages,
control messages, pending envelopes) live here, along with the codecs
that bind them to the formats the worker fleet already speaks:
camelCase JSON message keys, snake_case node hash fields, and
zone-less ISO-8601 timestamps with microsecond precision. Changing any
of these is a cross-fleet wire change, not a refactor.

The package depends on nothing but the standard library so every other
package can import it freely.
*/
package types
