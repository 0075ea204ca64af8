// Package admin serves the operator HTTP surface: health, build status,
// session listing and teardown, and Prometheus metrics.
package admin
