package caps

import (
	"fmt"
	"maps"
	"sort"
	"strings"

	"github.com/danmuck/drivergate/internal/driver"
	"github.com/danmuck/drivergate/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultVendorPrefix is stripped from W3C capability names.
const DefaultVendorPrefix = "appium:"

// standardCaps are W3C capability names that never carry a vendor prefix.
var standardCaps = map[string]struct{}{
	"browserName":             {},
	"browserVersion":          {},
	"platformName":            {},
	"acceptInsecureCerts":     {},
	"pageLoadStrategy":        {},
	"proxy":                   {},
	"setWindowRect":           {},
	"timeouts":                {},
	"unhandledPromptBehavior": {},
}

// Resolver turns raw client capabilities into one desired-capability map.
type Resolver struct {
	Constraints  Constraints
	Defaults     map[string]any
	VendorPrefix string
	Logger       *zerolog.Logger
}

// Result is the outcome of Resolve. Protocol is set even when Resolve fails
// so the caller can format a protocol-correct error.
type Result struct {
	DesiredCaps         map[string]any
	ProcessedJSONWPCaps map[string]any
	ProcessedW3CCaps    *protocol.W3CCapabilities
	Protocol            protocol.Protocol
}

func (r *Resolver) logger() *zerolog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return &log.Logger
}

func (r *Resolver) prefix() string {
	if r.VendorPrefix == "" {
		return DefaultVendorPrefix
	}
	return r.VendorPrefix
}

// Resolve merges defaults, legacy caps and the W3C envelope, validates the
// result and negotiates the protocol. Validation failures are InvalidArgument
// errors wrapping a *ValidationError.
func (r *Resolver) Resolve(req driver.CreateRequest) (Result, error) {
	res := Result{Protocol: protocol.DetermineProtocol(req.W3CCaps)}

	var jsonwpDesired map[string]any
	if req.JSONWPCaps != nil || req.ReqCaps != nil || !res.Protocol.IsW3C() {
		jsonwpDesired = make(map[string]any)
		maps.Copy(jsonwpDesired, r.Defaults)
		maps.Copy(jsonwpDesired, req.JSONWPCaps)
		maps.Copy(jsonwpDesired, req.ReqCaps)
		res.ProcessedJSONWPCaps = jsonwpDesired
	}

	if res.Protocol.IsW3C() {
		processed, desired, err := r.processW3C(req.W3CCaps)
		if err != nil {
			return res, err
		}
		res.ProcessedW3CCaps = processed

		if missing := missingKeys(req.JSONWPCaps, desired); len(missing) > 0 {
			r.logger().Warn().
				Strs("capabilities", missing).
				Msg("caps.Resolver.Resolve legacy capabilities missing from W3C set, falling back to JSONWP")
			res.Protocol = protocol.ProtocolJSONWP
			res.ProcessedW3CCaps = nil
		} else {
			res.DesiredCaps = desired
			return res, nil
		}
	}

	if err := Validate(jsonwpDesired, r.Constraints); err != nil {
		return res, protocol.Wrap(protocol.KindInvalidArgument, err)
	}
	res.DesiredCaps = jsonwpDesired
	return res, nil
}

// processW3C validates the {alwaysMatch, firstMatch} envelope and returns the
// processed envelope plus the first firstMatch merge that validates.
func (r *Resolver) processW3C(in *protocol.W3CCapabilities) (*protocol.W3CCapabilities, map[string]any, error) {
	always := r.stripPrefixes(in.AlwaysMatch)
	firsts := make([]map[string]any, 0, len(in.FirstMatch))
	for _, fm := range in.FirstMatch {
		firsts = append(firsts, r.stripPrefixes(fm))
	}
	if len(firsts) == 0 {
		firsts = append(firsts, map[string]any{})
	}

	for idx, fm := range firsts {
		for key := range fm {
			if _, ok := always[key]; ok {
				return nil, nil, protocol.Newf(protocol.KindInvalidArgument,
					"firstMatch[%d] key %q shadows a key already present in alwaysMatch", idx, key)
			}
		}
	}

	for key, value := range r.Defaults {
		if _, ok := always[key]; ok {
			continue
		}
		if inAny(firsts, key) {
			continue
		}
		always[key] = value
	}

	var failures []string
	for idx, fm := range firsts {
		merged := make(map[string]any, len(always)+len(fm))
		maps.Copy(merged, always)
		maps.Copy(merged, fm)
		err := Validate(merged, r.Constraints)
		if err == nil {
			processed := &protocol.W3CCapabilities{AlwaysMatch: always, FirstMatch: firsts}
			return processed, merged, nil
		}
		failures = append(failures, fmt.Sprintf("firstMatch[%d]: %v", idx, err))
		if len(firsts) == 1 {
			return nil, nil, protocol.Wrap(protocol.KindInvalidArgument, err)
		}
	}
	return nil, nil, protocol.Newf(protocol.KindInvalidArgument,
		"Could not find matching capabilities from %d firstMatch entries: %s",
		len(firsts), strings.Join(failures, "; "))
}

// stripPrefixes copies caps with the vendor prefix removed. Non-standard
// names without a prefix are kept but logged.
func (r *Resolver) stripPrefixes(caps map[string]any) map[string]any {
	out := make(map[string]any, len(caps))
	prefix := r.prefix()
	var unprefixed []string
	for key, value := range caps {
		if name, ok := strings.CutPrefix(key, prefix); ok {
			if _, std := standardCaps[name]; std {
				r.logger().Warn().Str("capability", key).
					Msg("caps.Resolver.stripPrefixes standard capability should not carry a vendor prefix")
			}
			out[name] = value
			continue
		}
		if _, std := standardCaps[key]; !std && !strings.Contains(key, ":") {
			unprefixed = append(unprefixed, key)
		}
		out[key] = value
	}
	if len(unprefixed) > 0 {
		sort.Strings(unprefixed)
		r.logger().Warn().Strs("capabilities", unprefixed).
			Msg("caps.Resolver.stripPrefixes non-standard capabilities without a vendor prefix")
	}
	return out
}

func inAny(list []map[string]any, key string) bool {
	for _, m := range list {
		if _, ok := m[key]; ok {
			return true
		}
	}
	return false
}

// missingKeys lists legacy caps absent from the W3C desired set.
func missingKeys(legacy, w3c map[string]any) []string {
	var out []string
	for key := range legacy {
		if _, ok := w3c[key]; !ok {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}
