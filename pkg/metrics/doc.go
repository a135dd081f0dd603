// Package metrics exposes Prometheus instrumentation for the control
// plane.
package metrics
