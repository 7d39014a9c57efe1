// Package progress records observed build events. A non-blocking Hub batches
// records on a background goroutine and fans them out to pluggable sinks such
// as structured logs, Prometheus metrics, or the build-run audit store.
package progress
