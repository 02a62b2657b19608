// Package engine dispatches function invocations. It resolves the function
// and its backend, stages the code in a private workspace, runs it in a warm
// pool container or a request-scoped one, and records the outcome as an
// execution row and a metric.
package engine
