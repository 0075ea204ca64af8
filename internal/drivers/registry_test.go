package drivers

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

type loadingFactory struct {
	driver.FactoryFunc
	err error
}

func (f loadingFactory) Load() error { return f.err }

func newTestRegistry(t *testing.T, names ...string) (*Registry, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	r := NewRegistryWithLogger(&logger)
	for _, name := range names {
		if err := r.Register(name, driver.FactoryFunc{DriverVersion: "1.0.0"}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	return r, &buf
}

func TestSelectDriverInfersAndroidWithDeprecation(t *testing.T) {
	testlog.Start(t)
	r, buf := newTestRegistry(t, UiAutomator2)

	sel, err := r.SelectDriver(map[string]any{"platformName": "Android"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.AutomationName != UiAutomator2 || sel.DriverName != "AndroidUiautomator2Driver" {
		t.Fatalf("unexpected selection: %+v", sel)
	}
	if sel.Version != "1.0.0" {
		t.Fatalf("unexpected version: %q", sel.Version)
	}
	if !strings.Contains(buf.String(), "deprecated") {
		t.Fatalf("expected deprecation warning, got %q", buf.String())
	}
}

func TestSelectDriverInfersIOSByVersion(t *testing.T) {
	testlog.Start(t)
	r, _ := newTestRegistry(t, XCUITest, Instruments)

	cases := map[string]string{
		"11.0":   XCUITest,
		"10":     XCUITest,
		"12.4.1": XCUITest,
		"9.0":    Instruments,
		"":       XCUITest,
	}
	for version, want := range cases {
		caps := map[string]any{"platformName": "iOS"}
		if version != "" {
			caps["platformVersion"] = version
		}
		sel, err := r.SelectDriver(caps)
		if err != nil {
			t.Fatalf("select %q: %v", version, err)
		}
		if sel.AutomationName != want {
			t.Fatalf("version %q: expected %s, got %s", version, want, sel.AutomationName)
		}
	}
}

func TestSelectDriverUmbrellaNameIsInferred(t *testing.T) {
	testlog.Start(t)
	r, _ := newTestRegistry(t, Fake)

	sel, err := r.SelectDriver(map[string]any{"platformName": "Fake", "automationName": "appium"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.AutomationName != Fake {
		t.Fatalf("unexpected automation name: %s", sel.AutomationName)
	}
}

func TestSelectDriverExplicitNameIsCaseInsensitive(t *testing.T) {
	testlog.Start(t)
	r, _ := newTestRegistry(t, XCUITest)

	sel, err := r.SelectDriver(map[string]any{"platformName": "iOS", "automationName": "xcuitest"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.DriverName != "XCUITestDriver" {
		t.Fatalf("unexpected driver name: %s", sel.DriverName)
	}
}

func TestSelectDriverNotFoundVersusNotLoaded(t *testing.T) {
	testlog.Start(t)
	r, _ := newTestRegistry(t, UiAutomator2)

	_, err := r.SelectDriver(map[string]any{"platformName": "Android", "automationName": "Nope"})
	if !errors.Is(err, ErrDriverNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if !protocol.IsKind(err, protocol.KindSessionNotCreated) {
		t.Fatalf("expected session not created, got %v", err)
	}
	if !strings.Contains(err.Error(), "automationName 'Nope' and platformName 'Android'") {
		t.Fatalf("unexpected message: %v", err)
	}

	_, err = r.SelectDriver(map[string]any{"platformName": "iOS", "automationName": "XCUITest"})
	if !errors.Is(err, ErrDriverNotLoaded) {
		t.Fatalf("expected not loaded, got %v", err)
	}
	if errors.Is(err, ErrDriverNotFound) {
		t.Fatalf("not loaded should not read as not found: %v", err)
	}
}

func TestSelectDriverLoaderFailure(t *testing.T) {
	testlog.Start(t)
	r, _ := newTestRegistry(t)
	if err := r.Register(Espresso, loadingFactory{err: errors.New("endpoint unreachable")}); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := r.SelectDriver(map[string]any{"platformName": "Android", "automationName": "Espresso"})
	if !errors.Is(err, ErrDriverNotLoaded) {
		t.Fatalf("expected not loaded, got %v", err)
	}
	if !strings.Contains(err.Error(), "endpoint unreachable") {
		t.Fatalf("expected loader cause in message: %v", err)
	}
}

func TestSelectDriverRequiresPlatformName(t *testing.T) {
	testlog.Start(t)
	r, _ := newTestRegistry(t, Fake)

	_, err := r.SelectDriver(map[string]any{"automationName": "Fake"})
	if !errors.Is(err, ErrPlatformNameRequired) {
		t.Fatalf("expected platform name error, got %v", err)
	}
}

func TestRegisterRejectsDuplicatesAndUnknown(t *testing.T) {
	testlog.Start(t)
	r, _ := newTestRegistry(t, Fake)

	if err := r.Register("fake", driver.FactoryFunc{}); !errors.Is(err, ErrFactoryExists) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if err := r.Register("Bogus", driver.FactoryFunc{}); !errors.Is(err, ErrUnknownAutomationName) {
		t.Fatalf("expected unknown name error, got %v", err)
	}
	if err := r.Register(Fake, nil); !errors.Is(err, ErrFactoryNil) {
		t.Fatalf("expected nil factory error, got %v", err)
	}
	if got := r.Bound(); len(got) != 1 || got[0] != Fake {
		t.Fatalf("unexpected bound list: %v", got)
	}
}
