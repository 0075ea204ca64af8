// Package caps normalizes client capabilities before a driver is chosen.
//
// Ownership boundary:
// - settings extraction from every capability envelope
// - JSONWP/W3C merge with server default capabilities
// - constraint validation with field-level causes
//
// Caps does not pick a driver; see package drivers.
package caps
