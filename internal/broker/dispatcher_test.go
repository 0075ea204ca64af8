package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/danmuck/drivergate/internal/driver"
	"github.com/danmuck/drivergate/internal/drivers/fake"
	"github.com/danmuck/drivergate/internal/protocol"
	"github.com/danmuck/drivergate/internal/testutil/testlog"
)

func TestGetStatusWithoutSessions(t *testing.T) {
	testlog.Start(t)
	b, _ := newTestBroker(t, fake.Options{})

	env := b.ExecuteCommand(context.Background(), CommandGetStatus)
	if env.Failed() {
		t.Fatalf("getStatus failed: %v", env.Err)
	}
	status, ok := env.Value.(Status)
	if !ok {
		t.Fatalf("unexpected status value: %T", env.Value)
	}
	if status.Build.Version != "1.2.3" {
		t.Fatalf("unexpected build version: %q", status.Build.Version)
	}
}

func TestGetStatusIgnoresClassifier(t *testing.T) {
	testlog.Start(t)
	b, _ := newTestBroker(t, fake.Options{}, func(c *Config) { c.Classifier = CommandSet{} })

	if env := b.ExecuteCommand(context.Background(), CommandGetStatus); env.Failed() {
		t.Fatalf("getStatus must not depend on classification: %v", env.Err)
	}
}

func TestExecuteCommandRoutesToSessionDriver(t *testing.T) {
	testlog.Start(t)
	b, _ := newTestBroker(t, fake.Options{})
	res := mustCreate(t, b)

	env := b.ExecuteCommand(context.Background(), "echo", "hello", res.SessionID)
	if env.Failed() {
		t.Fatalf("echo: %v", env.Err)
	}
	if env.Protocol != protocol.ProtocolJSONWP {
		t.Fatalf("unexpected protocol: %s", env.Protocol)
	}
	args, ok := env.Value.([]any)
	if !ok || len(args) != 2 || args[0] != "hello" {
		t.Fatalf("unexpected echo value: %v", env.Value)
	}
}

func TestExecuteCommandCapturesDriverErrors(t *testing.T) {
	testlog.Start(t)
	b, _ := newTestBroker(t, fake.Options{Commands: map[string]fake.CommandFunc{
		"findElement": func(ctx context.Context, d *fake.Driver, args ...any) (any, error) {
			return nil, protocol.New(protocol.KindNoSuchElement, "")
		},
		"explode": func(ctx context.Context, d *fake.Driver, args ...any) (any, error) {
			panic("driver bug")
		},
	}})
	res := mustCreate(t, b)

	env := b.ExecuteCommand(context.Background(), "findElement", "xpath", "//a", res.SessionID)
	if !protocol.IsKind(env.Err, protocol.KindNoSuchElement) {
		t.Fatalf("expected NoSuchElement, got %v", env.Err)
	}
	if env.Response().HTTPStatus != 500 {
		t.Fatalf("JSONWP errors render as 500, got %d", env.Response().HTTPStatus)
	}

	env = b.ExecuteCommand(context.Background(), "explode", res.SessionID)
	if !protocol.IsKind(env.Err, protocol.KindUnknownError) {
		t.Fatalf("expected panic to become UnknownError, got %v", env.Err)
	}
	if _, ok := b.Sessions().Get(res.SessionID); !ok {
		t.Fatalf("a panicking command must not drop the session")
	}
}

func TestExecuteCommandUnknownSession(t *testing.T) {
	testlog.Start(t)
	b, _ := newTestBroker(t, fake.Options{})

	for _, args := range [][]any{nil, {"nope"}, {42}} {
		env := b.ExecuteCommand(context.Background(), "getSession", args...)
		if !protocol.IsKind(env.Err, protocol.KindNoSuchDriver) {
			t.Fatalf("args %v: expected NoSuchDriver, got %v", args, env.Err)
		}
	}
}

func TestUmbrellaCommands(t *testing.T) {
	testlog.Start(t)
	b, _ := newTestBroker(t, fake.Options{})

	env := b.ExecuteCommand(context.Background(), CommandCreateSession,
		nil, nil, map[string]any{
			"alwaysMatch": map[string]any{"platformName": "Fake", "appium:automationName": "Fake"},
			"firstMatch":  []any{map[string]any{}},
		})
	if env.Failed() {
		t.Fatalf("createSession: %v", env.Err)
	}
	res := env.Value.(CreateResult)
	if res.Protocol != protocol.ProtocolW3C {
		t.Fatalf("expected W3C session, got %s", res.Protocol)
	}

	env = b.ExecuteCommand(context.Background(), CommandGetSessions)
	list, ok := env.Value.([]SessionInfo)
	if !ok || len(list) != 1 || list[0].ID != res.SessionID {
		t.Fatalf("unexpected getSessions value: %#v", env.Value)
	}

	env = b.ExecuteCommand(context.Background(), CommandDeleteSession, res.SessionID)
	if env.Failed() {
		t.Fatalf("deleteSession: %v", env.Err)
	}
	if b.Sessions().Len() != 0 {
		t.Fatalf("session still registered after umbrella delete")
	}
}

func TestUmbrellaCreateRejectsBadArgs(t *testing.T) {
	testlog.Start(t)
	b, _ := newTestBroker(t, fake.Options{})

	env := b.ExecuteCommand(context.Background(), CommandCreateSession, "not caps")
	if !protocol.IsKind(env.Err, protocol.KindBadParameters) {
		t.Fatalf("expected BadParameters, got %v", env.Err)
	}
	if env.Response().HTTPStatus != 400 {
		t.Fatalf("expected 400, got %d", env.Response().HTTPStatus)
	}
}

func TestUndefinedUmbrellaCommand(t *testing.T) {
	testlog.Start(t)
	b, _ := newTestBroker(t, fake.Options{}, func(c *Config) {
		set := DefaultClassifier()
		set["reboot"] = struct{}{}
		c.Classifier = set
	})

	env := b.ExecuteCommand(context.Background(), "reboot")
	if !protocol.IsKind(env.Err, protocol.KindUnknownCommand) {
		t.Fatalf("expected UnknownCommand, got %v", env.Err)
	}
}

func TestProxySurfaceDefaults(t *testing.T) {
	testlog.Start(t)
	avoid := []driver.AvoidRule{{Method: "GET", Path: "/session/[^/]+/appium/settings"}}
	b, _ := newTestBroker(t, fake.Options{ProxyActive: true, AvoidList: avoid})
	res := mustCreate(t, b)

	if !b.ProxyActive(res.SessionID) || !b.CanProxy(res.SessionID) {
		t.Fatalf("expected proxying for %s", res.SessionID)
	}
	if got := b.GetProxyAvoidList(res.SessionID); len(got) != 1 || got[0] != avoid[0] {
		t.Fatalf("unexpected avoid list: %v", got)
	}

	if b.ProxyActive("missing") || b.CanProxy("missing") {
		t.Fatalf("unknown sessions never proxy")
	}
	if got := b.GetProxyAvoidList("missing"); got == nil || len(got) != 0 {
		t.Fatalf("unknown sessions get an empty list, got %#v", got)
	}
}

func TestCreateRequestFromArgs(t *testing.T) {
	testlog.Start(t)
	w3c := &protocol.W3CCapabilities{AlwaysMatch: map[string]any{"platformName": "Fake"}}
	req, err := createRequestFromArgs([]any{map[string]any{"a": 1}, nil, w3c})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if req.JSONWPCaps["a"] != 1 || req.ReqCaps != nil || req.W3CCaps != w3c {
		t.Fatalf("unexpected request: %+v", req)
	}

	_, err = createRequestFromArgs([]any{nil, nil, map[string]any{"firstMatch": []any{"x"}}})
	var perr *protocol.Error
	if !errors.As(err, &perr) || perr.Kind != protocol.KindBadParameters {
		t.Fatalf("expected BadParameters, got %v", err)
	}
}
