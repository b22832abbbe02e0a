/*
Package log provides structured logging for all Lingo components.

A thin wrapper around zerolog: Init configures the global logger
(level, JSON or console output), and the With* helpers hand out
loggers pre-tagged with a component, task, or node field so related
lines correlate across the scheduler and agents. An init default means
library consumers and tests get sane output without calling Init.
*/
package log
