package broker

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/drivergate/internal/driver"
	"github.com/danmuck/drivergate/internal/drivers"
	"github.com/danmuck/drivergate/internal/drivers/fake"
	"github.com/danmuck/drivergate/internal/protocol"
	"github.com/danmuck/drivergate/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

func newTestBroker(t *testing.T, opts fake.Options, mutate ...func(*Config)) (*Broker, *fake.Factory) {
	t.Helper()
	factory := fake.NewFactory(opts)
	reg := drivers.NewRegistry()
	if err := reg.Register(drivers.Fake, factory); err != nil {
		t.Fatalf("register fake: %v", err)
	}
	cfg := Config{Drivers: reg, Build: BuildInfo{Version: "1.2.3"}}
	for _, fn := range mutate {
		fn(&cfg)
	}
	return New(cfg), factory
}

func fakeCaps() driver.CreateRequest {
	return driver.CreateRequest{
		JSONWPCaps: driver.Capabilities{"platformName": "Fake", "automationName": "Fake"},
	}
}

func mustCreate(t *testing.T, b *Broker) CreateResult {
	t.Helper()
	env := b.CreateSession(context.Background(), fakeCaps())
	if env.Failed() {
		t.Fatalf("create session: %v", env.Err)
	}
	res, ok := env.Value.(CreateResult)
	if !ok {
		t.Fatalf("unexpected create value: %T", env.Value)
	}
	return res
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestCreateSessionRegistersAndStartsTimeout(t *testing.T) {
	testlog.Start(t)
	b, factory := newTestBroker(t, fake.Options{})

	res := mustCreate(t, b)
	if res.Protocol != protocol.ProtocolJSONWP {
		t.Fatalf("unexpected protocol: %s", res.Protocol)
	}
	sess, ok := b.Sessions().Get(res.SessionID)
	if !ok {
		t.Fatalf("session %s not registered", res.SessionID)
	}
	if sess.DriverName != "FakeDriver" {
		t.Fatalf("unexpected driver name: %s", sess.DriverName)
	}
	d, _ := factory.BySession(res.SessionID)
	if d.TimeoutStarts() != 1 {
		t.Fatalf("expected command timeout to start once, got %d", d.TimeoutStarts())
	}
	if len(b.Sessions().ListPending()) != 0 {
		t.Fatalf("pending entries should be cleared")
	}
}

func TestCreateSessionSecurityComesFromServerOnly(t *testing.T) {
	testlog.Start(t)
	policy := driver.SecurityPolicy{AllowInsecure: []string{"adb_shell"}}
	b, factory := newTestBroker(t, fake.Options{}, func(c *Config) { c.Security = policy })

	req := fakeCaps()
	req.JSONWPCaps["relaxedSecurityEnabled"] = true
	req.JSONWPCaps["denyInsecure"] = []any{"adb_shell"}
	env := b.CreateSession(context.Background(), req)
	if env.Failed() {
		t.Fatalf("create: %v", env.Err)
	}

	d, _ := factory.BySession(env.Value.(CreateResult).SessionID)
	got := d.Security()
	if got.RelaxedSecurityEnabled || len(got.DenyInsecure) != 0 {
		t.Fatalf("client caps leaked into security policy: %+v", got)
	}
	if len(got.AllowInsecure) != 1 || got.AllowInsecure[0] != "adb_shell" {
		t.Fatalf("server policy not applied: %+v", got)
	}
}

func TestCreateSessionValidationErrorKeepsProtocol(t *testing.T) {
	testlog.Start(t)
	b, _ := newTestBroker(t, fake.Options{})

	env := b.CreateSession(context.Background(), driver.CreateRequest{
		W3CCaps: &protocol.W3CCapabilities{AlwaysMatch: map[string]any{"appium:automationName": "Fake"}},
	})
	if !env.Failed() {
		t.Fatalf("expected failure without platformName")
	}
	if env.Protocol != protocol.ProtocolW3C {
		t.Fatalf("expected W3C protocol on failure, got %s", env.Protocol)
	}
	if b.Sessions().Len() != 0 {
		t.Fatalf("failed create must not register a session")
	}
}

func TestCreateSessionDriverNotLoaded(t *testing.T) {
	testlog.Start(t)
	b, _ := newTestBroker(t, fake.Options{})

	env := b.CreateSession(context.Background(), driver.CreateRequest{
		JSONWPCaps: driver.Capabilities{"platformName": "iOS", "platformVersion": "11.0"},
	})
	if !errors.Is(env.Err, drivers.ErrDriverNotLoaded) {
		t.Fatalf("expected not loaded error, got %v", env.Err)
	}
	if !protocol.IsKind(env.Err, protocol.KindSessionNotCreated) {
		t.Fatalf("expected SessionNotCreated, got %v", env.Err)
	}
}

func TestCreateSessionInnerFailureClearsPending(t *testing.T) {
	testlog.Start(t)
	b, _ := newTestBroker(t, fake.Options{CreateErr: errors.New("simulator did not boot")})

	env := b.CreateSession(context.Background(), fakeCaps())
	if !protocol.IsKind(env.Err, protocol.KindSessionNotCreated) {
		t.Fatalf("expected SessionNotCreated, got %v", env.Err)
	}
	if len(b.Sessions().ListPending()) != 0 || b.Sessions().Len() != 0 {
		t.Fatalf("failed create left registry state behind")
	}
}

func TestCreateSessionAppliesSettingsForNegotiatedProtocol(t *testing.T) {
	testlog.Start(t)
	b, factory := newTestBroker(t, fake.Options{})

	env := b.CreateSession(context.Background(), driver.CreateRequest{
		W3CCaps: &protocol.W3CCapabilities{
			AlwaysMatch: map[string]any{
				"platformName":              "Fake",
				"appium:automationName":     "Fake",
				"appium:settings[ignoreIt]": true,
			},
			FirstMatch: []map[string]any{{"settings[waitMs]": float64(10)}},
		},
	})
	if env.Failed() {
		t.Fatalf("create: %v", env.Err)
	}
	res := env.Value.(CreateResult)
	d, _ := factory.BySession(res.SessionID)
	settings := d.Settings()
	if settings["ignoreIt"] != true || settings["waitMs"] != float64(10) {
		t.Fatalf("unexpected settings: %v", settings)
	}
	if _, leaked := res.Capabilities["settings[waitMs]"]; leaked {
		t.Fatalf("settings must not reach driver capabilities: %v", res.Capabilities)
	}
}

func TestCreateSessionSettingsFailureRemovesSession(t *testing.T) {
	testlog.Start(t)
	b, _ := newTestBroker(t, fake.Options{SettingsErr: errors.New("bad setting")})

	req := fakeCaps()
	req.JSONWPCaps["settings[foo]"] = "bar"
	env := b.CreateSession(context.Background(), req)
	if !env.Failed() {
		t.Fatalf("expected settings failure to fail creation")
	}
	if b.Sessions().Len() != 0 {
		t.Fatalf("session should be removed after settings failure")
	}
}

func TestConcurrentCreationsSeeEachOther(t *testing.T) {
	testlog.Start(t)
	b, factory := newTestBroker(t, fake.Options{CreateDelay: 50 * time.Millisecond})

	var wg sync.WaitGroup
	envs := make([]protocol.Envelope, 2)
	for i := range envs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			envs[i] = b.CreateSession(context.Background(), fakeCaps())
		}()
	}
	wg.Wait()

	for i, env := range envs {
		if env.Failed() {
			t.Fatalf("create %d: %v", i, env.Err)
		}
	}
	if b.Sessions().Len() != 2 {
		t.Fatalf("expected 2 sessions, got %d", b.Sessions().Len())
	}

	built := factory.Built()
	if len(built) != 2 {
		t.Fatalf("expected 2 drivers, got %d", len(built))
	}
	sawSibling := func(d, other *fake.Driver) bool {
		instance := other.DriverData()["instance"]
		for _, data := range d.Others() {
			if data["instance"] == instance {
				return true
			}
		}
		return false
	}
	if !sawSibling(built[0], built[1]) {
		t.Fatalf("first construction never observed the second: %v", built[0].Others())
	}
	if !sawSibling(built[1], built[0]) {
		t.Fatalf("second construction never observed the first: %v", built[1].Others())
	}
	first, second := built[0].DriverData()["slot"], built[1].DriverData()["slot"]
	if first == nil || second == nil {
		t.Fatalf("expected both constructions to claim a slot: %v %v", first, second)
	}
	if first == second {
		t.Fatalf("both concurrent constructions claimed slot %v", first)
	}

	// A later creation sees both running sessions.
	res := mustCreate(t, b)
	d, _ := factory.BySession(res.SessionID)
	if len(d.Others()) != 2 {
		t.Fatalf("expected 2 running siblings, got %d", len(d.Others()))
	}
	slot := d.DriverData()["slot"]
	for _, sibling := range built {
		if sibling.DriverData()["slot"] == slot {
			t.Fatalf("slot %v already claimed by a running sibling", slot)
		}
	}
}

func TestDeleteSessionUnknownIsNoop(t *testing.T) {
	testlog.Start(t)
	b, _ := newTestBroker(t, fake.Options{})

	env := b.DeleteSession(context.Background(), "missing")
	if env.Failed() || env.Value != nil {
		t.Fatalf("expected empty success, got %+v", env)
	}
}

func TestExecuteAfterDeleteIsNoSuchDriver(t *testing.T) {
	testlog.Start(t)
	b, factory := newTestBroker(t, fake.Options{})
	first := mustCreate(t, b)
	second := mustCreate(t, b)

	if env := b.DeleteSession(context.Background(), first.SessionID); env.Failed() {
		t.Fatalf("delete: %v", env.Err)
	}
	env := b.ExecuteCommand(context.Background(), "getSession", first.SessionID)
	if !protocol.IsKind(env.Err, protocol.KindNoSuchDriver) {
		t.Fatalf("expected NoSuchDriver, got %v", env.Err)
	}

	d, _ := factory.BySession(first.SessionID)
	if !d.Deleted() {
		t.Fatalf("inner driver was not deleted")
	}
	others := d.Others()
	if len(others) != 1 {
		t.Fatalf("delete should see the remaining sibling, got %v", others)
	}
	sibling, _ := factory.BySession(second.SessionID)
	if others[0]["instance"] != sibling.DriverData()["instance"] {
		t.Fatalf("unexpected sibling data: %v", others[0])
	}
}

func TestDeleteSessionFailureStillRemovesRow(t *testing.T) {
	testlog.Start(t)
	b, _ := newTestBroker(t, fake.Options{DeleteErr: errors.New("device unplugged")})
	res := mustCreate(t, b)

	env := b.DeleteSession(context.Background(), res.SessionID)
	if !env.Failed() {
		t.Fatalf("expected inner delete failure to surface")
	}
	if _, ok := b.Sessions().Get(res.SessionID); ok {
		t.Fatalf("row must not be restored after a failed delete")
	}
}

type flakyDeleteDriver struct {
	*fake.Notifying
	fail bool
}

func (d *flakyDeleteDriver) DeleteSession(ctx context.Context, id string, others []driver.DriverData) error {
	if d.fail {
		return errors.New("delete exploded")
	}
	return d.Notifying.DeleteSession(ctx, id, others)
}

func TestDeleteAllSessionsSurvivesOneFailure(t *testing.T) {
	testlog.Start(t)
	inner := fake.NewFactory(fake.Options{})
	count := 0
	var mu sync.Mutex
	factory := driver.FactoryFunc{
		DriverVersion: "1.0.0",
		Build: func(args driver.ServerArgs) driver.Driver {
			mu.Lock()
			defer mu.Unlock()
			count++
			return &flakyDeleteDriver{Notifying: inner.New(args).(*fake.Notifying), fail: count == 2}
		},
	}
	reg := drivers.NewRegistry()
	if err := reg.Register(drivers.Fake, factory); err != nil {
		t.Fatalf("register: %v", err)
	}
	b := New(Config{Drivers: reg})
	for j := 0; j < 3; j++ {
		mustCreate(t, b)
	}

	b.DeleteAllSessions(context.Background(), DeleteAllOptions{})
	if n := b.Sessions().Len(); n != 0 {
		t.Fatalf("expected every row removed, %d left", n)
	}
	deleted := 0
	for _, d := range inner.Built() {
		if d.Deleted() {
			deleted++
		}
	}
	if deleted != 2 {
		t.Fatalf("expected 2 clean inner deletes, got %d", deleted)
	}
}

func TestDeleteAllSessionsForceUsesShutdownPath(t *testing.T) {
	testlog.Start(t)
	b, factory := newTestBroker(t, fake.Options{})
	for j := 0; j < 2; j++ {
		mustCreate(t, b)
	}

	b.DeleteAllSessions(context.Background(), DeleteAllOptions{Force: true, Reason: "The process was terminated"})
	if b.Sessions().Len() != 0 {
		t.Fatalf("forced sweep left sessions behind")
	}
	for _, d := range factory.Built() {
		if !d.Deleted() {
			t.Fatalf("driver %s not shut down", d)
		}
	}
}

func TestDeleteAllSessionsNoSessionsIsNoop(t *testing.T) {
	testlog.Start(t)
	b, _ := newTestBroker(t, fake.Options{})
	b.DeleteAllSessions(context.Background(), DeleteAllOptions{Force: true})
}

func TestSessionOverrideReplacesExisting(t *testing.T) {
	testlog.Start(t)
	b, _ := newTestBroker(t, fake.Options{}, func(c *Config) { c.SessionOverride = true })
	first := mustCreate(t, b)
	second := mustCreate(t, b)

	if _, ok := b.Sessions().Get(first.SessionID); ok {
		t.Fatalf("override should have removed the first session")
	}
	if _, ok := b.Sessions().Get(second.SessionID); !ok {
		t.Fatalf("second session missing")
	}
}

func TestUnexpectedShutdownRemovesSession(t *testing.T) {
	testlog.Start(t)
	for _, mode := range []fake.ShutdownMode{fake.ShutdownSignal, fake.ShutdownCallback} {
		b, factory := newTestBroker(t, fake.Options{Shutdown: mode})
		res := mustCreate(t, b)

		d, _ := factory.BySession(res.SessionID)
		d.Crash(errors.New("instruments crashed"))
		waitFor(t, func() bool {
			_, ok := b.Sessions().Get(res.SessionID)
			return !ok
		})
	}
}

func TestSilentDriverStillWorks(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	b, factory := newTestBroker(t, fake.Options{Shutdown: fake.ShutdownNone}, func(cfg *Config) {
		cfg.Logger = &logger
	})
	res := mustCreate(t, b)
	if !strings.Contains(buf.String(), "broker.Broker.CreateSession driver exposes no unexpected-shutdown notification") {
		t.Fatalf("expected missing shutdown contract warning, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), `"level":"warn"`) {
		t.Fatalf("expected the notice at warn level, got %q", buf.String())
	}

	d, _ := factory.BySession(res.SessionID)
	d.Crash(errors.New("nobody is listening"))
	if _, ok := b.Sessions().Get(res.SessionID); !ok {
		t.Fatalf("session without a shutdown contract should stay registered")
	}
}
