// Package telemetry records one metric per function invocation. Records are
// counted in Prometheus, cached in a bounded ring buffer for quick reads, and
// written asynchronously to a persistent sink, which is the source of truth.
package telemetry
