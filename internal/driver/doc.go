// Package driver defines the contract between the session broker and the
// platform-specific inner drivers it hosts.
//
// Ownership boundary:
// - inner driver interface and factory shape
// - server arguments and the admin-only security policy
// - unexpected-shutdown signalling
//
// Inner drivers own every device, port and process they allocate; the
// broker only tracks which session id maps to which driver.
package driver
