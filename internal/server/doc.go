// Package server implements the optional HTTP status server used while a batch runs.
// It reports health, batch progress and configuration as JSON and exposes the
// converter's Prometheus registry on /metrics.
package server
