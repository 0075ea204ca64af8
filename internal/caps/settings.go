package caps

import (
	"maps"
	"regexp"

	"github.com/danmuck/drivergate/internal/driver"
	"github.com/danmuck/drivergate/internal/protocol"
)

// Settings are per-session runtime knobs supplied alongside capabilities.
type Settings = map[string]any

// settingsKey matches "settings[name]" with an optional vendor prefix.
var settingsKey = regexp.MustCompile(`^(?:[A-Za-z0-9_-]+:)?settings\[(\S+)\]$`)

// PullSettings removes settings entries from caps and returns them.
func PullSettings(caps map[string]any) Settings {
	out := Settings{}
	for key, value := range caps {
		m := settingsKey.FindStringSubmatch(key)
		if m == nil {
			continue
		}
		out[m[1]] = value
		delete(caps, key)
	}
	return out
}

// StrippedRequest is a create request with settings removed plus the
// settings each dialect carried.
type StrippedRequest struct {
	Request        driver.CreateRequest
	JSONWPSettings Settings
	W3CSettings    Settings
}

// SettingsFor returns the settings matching the negotiated protocol.
func (s StrippedRequest) SettingsFor(p protocol.Protocol) Settings {
	if p.IsW3C() {
		return s.W3CSettings
	}
	return s.JSONWPSettings
}

// StripSettings copies req and pulls settings out of every envelope. For
// W3C, firstMatch entries override alwaysMatch in order, last one winning.
func StripSettings(req driver.CreateRequest) StrippedRequest {
	out := StrippedRequest{
		JSONWPSettings: Settings{},
		W3CSettings:    Settings{},
	}

	out.Request.JSONWPCaps = driver.CloneCaps(req.JSONWPCaps)
	out.Request.ReqCaps = driver.CloneCaps(req.ReqCaps)
	maps.Copy(out.JSONWPSettings, PullSettings(out.Request.JSONWPCaps))
	maps.Copy(out.JSONWPSettings, PullSettings(out.Request.ReqCaps))

	if req.W3CCaps != nil {
		w3c := &protocol.W3CCapabilities{
			AlwaysMatch: driver.CloneCaps(req.W3CCaps.AlwaysMatch),
		}
		maps.Copy(out.W3CSettings, PullSettings(w3c.AlwaysMatch))
		if req.W3CCaps.FirstMatch != nil {
			w3c.FirstMatch = make([]map[string]any, 0, len(req.W3CCaps.FirstMatch))
			for _, fm := range req.W3CCaps.FirstMatch {
				fm = driver.CloneCaps(fm)
				maps.Copy(out.W3CSettings, PullSettings(fm))
				w3c.FirstMatch = append(w3c.FirstMatch, fm)
			}
		}
		out.Request.W3CCaps = w3c
	}
	return out
}
