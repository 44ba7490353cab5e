// Package metrics collects Prometheus metrics for the context engine:
// assembly counts and latency, repair drops and splices, compression
// outcomes, recall query results, session store failures and the size
// of the per-session lock table.
//
// All instruments register through a caller-supplied Registerer so tests
// can use isolated registries.
package metrics
