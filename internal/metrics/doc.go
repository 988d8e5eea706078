// Package metrics provides Prometheus metrics for the call relay.
package metrics
