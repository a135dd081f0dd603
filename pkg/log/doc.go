// Package log wraps zerolog with a process-global logger and per-component
// child loggers.
package log
