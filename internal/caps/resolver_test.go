package caps

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/danmuck/drivergate/internal/driver"
	"github.com/danmuck/drivergate/internal/protocol"
	"github.com/danmuck/drivergate/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

func newTestResolver(defaults map[string]any) (*Resolver, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	return &Resolver{
		Constraints: BaseConstraints([]string{"UiAutomator2", "XCUITest", "Fake"}),
		Defaults:    defaults,
		Logger:      &logger,
	}, &buf
}

func TestResolveJSONWP(t *testing.T) {
	testlog.Start(t)
	r, _ := newTestResolver(map[string]any{"deviceName": "default", "noReset": true})

	res, err := r.Resolve(driver.CreateRequest{
		JSONWPCaps: map[string]any{"platformName": "Android", "deviceName": "pixel"},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Protocol != protocol.ProtocolJSONWP {
		t.Fatalf("unexpected protocol: %s", res.Protocol)
	}
	if res.DesiredCaps["deviceName"] != "pixel" || res.DesiredCaps["noReset"] != true {
		t.Fatalf("defaults should sit under client caps: %+v", res.DesiredCaps)
	}
}

func TestResolveRequiresPlatformNameAndKeepsProtocol(t *testing.T) {
	testlog.Start(t)
	r, _ := newTestResolver(nil)

	res, err := r.Resolve(driver.CreateRequest{
		W3CCaps: &protocol.W3CCapabilities{AlwaysMatch: map[string]any{"appium:deviceName": "x"}},
	})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if res.Protocol != protocol.ProtocolW3C {
		t.Fatalf("protocol should still be detected, got %s", res.Protocol)
	}
	if !protocol.IsKind(err, protocol.KindInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	var verr *ValidationError
	if !errors.As(err, &verr) || !verr.Has("platformName") {
		t.Fatalf("expected field-level cause for platformName, got %v", err)
	}
}

func TestResolveAutomationNameCaseInsensitive(t *testing.T) {
	testlog.Start(t)
	r, _ := newTestResolver(nil)

	if _, err := r.Resolve(driver.CreateRequest{
		JSONWPCaps: map[string]any{"platformName": "iOS", "automationName": "xcuitest"},
	}); err != nil {
		t.Fatalf("case-insensitive automation name rejected: %v", err)
	}
	_, err := r.Resolve(driver.CreateRequest{
		JSONWPCaps: map[string]any{"platformName": "iOS", "automationName": "Selendroid2"},
	})
	var verr *ValidationError
	if !errors.As(err, &verr) || !verr.Has("automationName") {
		t.Fatalf("expected automationName failure, got %v", err)
	}
}

func TestResolveW3CStripsPrefixAndPicksFirstValidMatch(t *testing.T) {
	testlog.Start(t)
	r, _ := newTestResolver(map[string]any{"newCommandTimeout": 90})

	res, err := r.Resolve(driver.CreateRequest{
		W3CCaps: &protocol.W3CCapabilities{
			AlwaysMatch: map[string]any{"platformName": "Android"},
			FirstMatch: []map[string]any{
				{"appium:automationName": "NotADriver"},
				{"appium:automationName": "UiAutomator2", "appium:deviceName": "emu"},
			},
		},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Protocol != protocol.ProtocolW3C {
		t.Fatalf("unexpected protocol: %s", res.Protocol)
	}
	if res.DesiredCaps["automationName"] != "UiAutomator2" || res.DesiredCaps["deviceName"] != "emu" {
		t.Fatalf("unexpected desired caps: %+v", res.DesiredCaps)
	}
	if res.DesiredCaps["newCommandTimeout"] != 90 {
		t.Fatalf("defaults should land in alwaysMatch: %+v", res.DesiredCaps)
	}
}

func TestResolveW3CRejectsShadowedKeys(t *testing.T) {
	testlog.Start(t)
	r, _ := newTestResolver(nil)
	_, err := r.Resolve(driver.CreateRequest{
		W3CCaps: &protocol.W3CCapabilities{
			AlwaysMatch: map[string]any{"platformName": "Android"},
			FirstMatch:  []map[string]any{{"platformName": "iOS"}},
		},
	})
	if !protocol.IsKind(err, protocol.KindInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestResolveFallsBackToJSONWPOnDifferingKeys(t *testing.T) {
	testlog.Start(t)
	r, buf := newTestResolver(nil)
	res, err := r.Resolve(driver.CreateRequest{
		JSONWPCaps: map[string]any{"platformName": "Android", "app": "/tmp/a.apk"},
		W3CCaps:    &protocol.W3CCapabilities{AlwaysMatch: map[string]any{"platformName": "Android"}},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Protocol != protocol.ProtocolJSONWP {
		t.Fatalf("expected jsonwp fallback, got %s", res.Protocol)
	}
	if res.DesiredCaps["app"] != "/tmp/a.apk" {
		t.Fatalf("legacy caps should be used: %+v", res.DesiredCaps)
	}
	if !strings.Contains(buf.String(), "falling back to JSONWP") {
		t.Fatalf("expected fallback warning, got %q", buf.String())
	}
}

func TestStripSettings(t *testing.T) {
	testlog.Start(t)
	jsonwp := map[string]any{"platformName": "Android", "settings[ignoreUnimportantViews]": true}
	req := driver.CreateRequest{
		JSONWPCaps: jsonwp,
		W3CCaps: &protocol.W3CCapabilities{
			AlwaysMatch: map[string]any{"appium:settings[a]": 1, "appium:settings[b]": 1},
			FirstMatch: []map[string]any{
				{"appium:settings[b]": 2},
				{"settings[b]": 3},
			},
		},
	}

	out := StripSettings(req)
	if _, ok := jsonwp["settings[ignoreUnimportantViews]"]; !ok {
		t.Fatalf("input caps must not be mutated")
	}
	if _, ok := out.Request.JSONWPCaps["settings[ignoreUnimportantViews]"]; ok {
		t.Fatalf("settings should be stripped from the copy")
	}
	if out.JSONWPSettings["ignoreUnimportantViews"] != true {
		t.Fatalf("unexpected jsonwp settings: %+v", out.JSONWPSettings)
	}
	if out.W3CSettings["a"] != 1 || out.W3CSettings["b"] != 3 {
		t.Fatalf("last firstMatch should win: %+v", out.W3CSettings)
	}
	if len(out.Request.W3CCaps.AlwaysMatch) != 0 {
		t.Fatalf("alwaysMatch should be empty after stripping: %+v", out.Request.W3CCaps.AlwaysMatch)
	}
	if out.SettingsFor(protocol.ProtocolW3C)["b"] != 3 {
		t.Fatalf("SettingsFor should pick w3c settings")
	}
}

func TestValidateTypes(t *testing.T) {
	testlog.Start(t)
	err := Validate(map[string]any{
		"platformName":      "Android",
		"newCommandTimeout": "soon",
		"noReset":           "yes",
		"orientation":       "SIDEWAYS",
	}, BaseConstraints(nil))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	for _, field := range []string{"newCommandTimeout", "noReset", "orientation"} {
		if !verr.Has(field) {
			t.Fatalf("expected %s failure in %v", field, verr)
		}
	}
	if verr.Has("platformName") {
		t.Fatalf("platformName is valid")
	}
}
