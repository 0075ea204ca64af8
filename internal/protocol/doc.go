// Package protocol owns the client-facing wire contract.
//
// Ownership boundary:
// - JSONWP vs W3C negotiation
// - error kind table and cross-protocol error translation
// - response envelopes returned by the broker
// - reclassification of proxied backend failures
//
// Protocol does not route HTTP requests and does not talk to inner drivers.
package protocol
