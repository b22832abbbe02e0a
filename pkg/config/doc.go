/*
Package config loads and validates the platform configuration.

Configuration layers, lowest precedence first: built-in defaults, an
optional YAML file, then environment variables. The environment names
(REDIS_HOST, DB_HOST, NODE_ID, HEARTBEAT_INTERVAL, ...) match the
worker fleet's existing .env contract so a lingod process drops into
the same deployment unchanged; HEARTBEAT_INTERVAL is bare seconds for
the same reason. Durations in YAML use Go syntax ("30s", "5m").
*/
package config
