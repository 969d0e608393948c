// Package api exposes the launch service over HTTP: launch submission, burner
// record lookup, health checks and Prometheus metrics.
package api
