// Package broker owns gateway sessions. It creates them through the inner
// driver selected for the requested capabilities, keeps them in a
// concurrency-safe registry, routes commands to them and tears them down,
// including when a driver reports that it went away on its own.
package broker
