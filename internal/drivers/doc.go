// Package drivers owns the compile-time table of automation backends.
//
// Ownership boundary:
// - automationName -> driver type table
// - factory bindings populated once at startup
// - per-platform automationName inference
//
// Resolution is a key lookup only; nothing is loaded by name at request time.
package drivers
