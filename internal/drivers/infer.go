package drivers

import (
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/mod/semver"
)

// inferAutomationName picks a default backend for platforms where the
// client did not name one. It returns "" when no default exists.
func inferAutomationName(logger *zerolog.Logger, platformName, platformVersion string) string {
	switch strings.ToLower(strings.TrimSpace(platformName)) {
	case "android":
		logger.Warn().
			Str("platform", platformName).
			Str("automation_name", UiAutomator2).
			Msg("drivers.inferAutomationName automationName not set for Android session; defaulting to UiAutomator2. " +
				"Relying on this default is deprecated, set automationName explicitly")
		return UiAutomator2
	case "ios":
		if atLeastMajor(platformVersion, 10) {
			return XCUITest
		}
		if strings.TrimSpace(platformVersion) == "" {
			logger.Warn().
				Str("platform", platformName).
				Msg("drivers.inferAutomationName platformVersion not set for iOS session; defaulting to XCUITest")
			return XCUITest
		}
		logger.Warn().
			Str("platform", platformName).
			Str("platform_version", platformVersion).
			Str("automation_name", Instruments).
			Msg("drivers.inferAutomationName iOS below 10 uses the deprecated Instruments backend")
		return Instruments
	case "windows":
		return Windows
	case "mac":
		return Mac
	case "tizen":
		return Tizen
	case "fake":
		return Fake
	default:
		return ""
	}
}

// atLeastMajor compares a dotted platform version against major. Versions
// that do not parse compare as lower.
func atLeastMajor(raw string, major int) bool {
	v := canonicalVersion(raw)
	if v == "" {
		return false
	}
	return semver.Compare(v, "v"+strconv.Itoa(major)) >= 0
}

func canonicalVersion(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, ".")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	v := "v" + strings.Join(parts, ".")
	if !semver.IsValid(v) {
		return ""
	}
	return semver.Canonical(v)
}
