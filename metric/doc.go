// Package metric provides Prometheus metrics infrastructure for the
// realtime layer: a registry that owns platform-level metrics and lets
// components register their own, plus an HTTP server exposing the
// standard /metrics endpoint.
package metric
