package protocol

import "strings"

// Protocol identifies the wire dialect a session speaks.
type Protocol string

const (
	ProtocolNone   Protocol = ""
	ProtocolJSONWP Protocol = "MJSONWP"
	ProtocolW3C    Protocol = "W3C"
)

// IsW3C reports whether p is the standardized W3C dialect.
func (p Protocol) IsW3C() bool {
	return p == ProtocolW3C
}

// IsJSONWP reports whether p is the legacy JSON wire dialect.
func (p Protocol) IsJSONWP() bool {
	return p == ProtocolJSONWP
}

func (p Protocol) String() string {
	if p == ProtocolNone {
		return "none"
	}
	return string(p)
}

// ParseProtocol accepts the common spellings of both dialects.
func ParseProtocol(raw string) (Protocol, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "W3C":
		return ProtocolW3C, true
	case "MJSONWP", "JSONWP":
		return ProtocolJSONWP, true
	default:
		return ProtocolNone, false
	}
}

// W3CCapabilities is the {alwaysMatch, firstMatch} negotiation envelope.
type W3CCapabilities struct {
	AlwaysMatch map[string]any   `json:"alwaysMatch,omitempty"`
	FirstMatch  []map[string]any `json:"firstMatch,omitempty"`
}

// HasShape reports whether the envelope was actually supplied by a client.
func (c *W3CCapabilities) HasShape() bool {
	return c != nil && (c.AlwaysMatch != nil || c.FirstMatch != nil)
}

// DetermineProtocol picks the dialect from which capability envelope was
// supplied. A W3C envelope always wins over legacy caps.
func DetermineProtocol(w3cCaps *W3CCapabilities) Protocol {
	if w3cCaps.HasShape() {
		return ProtocolW3C
	}
	return ProtocolJSONWP
}

// ResponseProtocol decides how a proxied or downstream response body is
// shaped. JSONWP bodies carry a numeric status next to the value.
func ResponseProtocol(body map[string]any) Protocol {
	if body == nil {
		return ProtocolNone
	}
	if _, ok := body["status"]; ok {
		return ProtocolJSONWP
	}
	if _, ok := body["value"]; ok {
		return ProtocolW3C
	}
	return ProtocolNone
}
