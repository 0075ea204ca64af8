// Package fake provides an in-memory inner driver. It performs no
// automation; it records what the gateway hands it so broker behavior can be
// observed, and it can be told to fail or crash on demand.
package fake

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/danmuck/drivergate/internal/driver"
	"github.com/danmuck/drivergate/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const Version = "0.1.0"

var (
	ErrNotStarted    = errors.New("fake: session not started")
	ErrAlreadyActive = errors.New("fake: session already started")
)

// ShutdownMode selects which unexpected-shutdown contract built drivers expose.
type ShutdownMode int

const (
	ShutdownSignal ShutdownMode = iota
	ShutdownCallback
	ShutdownNone
)

// CommandFunc handles one command. args include the trailing session id.
type CommandFunc func(ctx context.Context, d *Driver, args ...any) (any, error)

// Options tunes drivers built by a Factory.
type Options struct {
	Version     string
	Shutdown    ShutdownMode
	CreateDelay time.Duration
	CreateErr   error
	DeleteErr   error
	SettingsErr error
	Commands    map[string]CommandFunc
	ProxyActive bool
	AvoidList   []driver.AvoidRule
}

// Driver is the in-memory backend for one session.
type Driver struct {
	opts Options
	args driver.ServerArgs

	mu         sync.Mutex
	instanceID string
	sessionID  string
	proto      protocol.Protocol
	caps       driver.Capabilities
	security   driver.SecurityPolicy
	settings   map[string]any
	others     []driver.DriverData
	slot       int
	timeouts   int
	deleted    bool
	siblings   func() []driver.DriverData

	// claim serializes slot selection across drivers of one factory.
	claim   *sync.Mutex
	onCrash func(error)
}

func newDriver(args driver.ServerArgs, opts Options, claim *sync.Mutex) *Driver {
	if claim == nil {
		claim = &sync.Mutex{}
	}
	return &Driver{
		opts:       opts,
		args:       args,
		instanceID: uuid.NewString(),
		settings:   make(map[string]any),
		slot:       -1,
		claim:      claim,
	}
}

// SetSiblingView lets CreateSession re-read sibling data instead of relying
// on the snapshot it was handed.
func (d *Driver) SetSiblingView(view func() []driver.DriverData) {
	d.mu.Lock()
	d.siblings = view
	d.mu.Unlock()
}

// CreateSession claims its slot before the simulated startup delay so that
// concurrent constructions see it through DriverData.
func (d *Driver) CreateSession(ctx context.Context, req driver.CreateRequest, others []driver.DriverData) (string, driver.Capabilities, error) {
	if d.SessionID() != "" {
		return "", nil, ErrAlreadyActive
	}
	d.claimSlot(others)

	if d.opts.CreateDelay > 0 {
		timer := time.NewTimer(d.opts.CreateDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			d.releaseSlot()
			return "", nil, ctx.Err()
		case <-timer.C:
		}
	}
	if d.opts.CreateErr != nil {
		d.releaseSlot()
		return "", nil, d.opts.CreateErr
	}
	if view := d.siblingView(); view != nil {
		others = view()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sessionID != "" {
		return "", nil, ErrAlreadyActive
	}
	d.others = append([]driver.DriverData(nil), others...)
	d.proto = protocol.DetermineProtocol(req.W3CCaps)
	d.caps = matchedCaps(req)
	d.sessionID = uuid.NewString()

	log.Debug().
		Str("session_id", d.sessionID).
		Int("slot", d.slot).
		Int("others", len(others)).
		Msg("fake.Driver.CreateSession started")
	return d.sessionID, driver.CloneCaps(d.caps), nil
}

func (d *Driver) siblingView() func() []driver.DriverData {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.siblings
}

// claimSlot picks the lowest slot free among the live siblings, or among
// others when no view was attached.
func (d *Driver) claimSlot(others []driver.DriverData) {
	d.claim.Lock()
	defer d.claim.Unlock()
	if view := d.siblingView(); view != nil {
		others = view()
	}
	slot := freeSlot(others)
	d.mu.Lock()
	d.slot = slot
	d.mu.Unlock()
}

func (d *Driver) releaseSlot() {
	d.mu.Lock()
	d.slot = -1
	d.mu.Unlock()
}

func (d *Driver) DeleteSession(ctx context.Context, sessionID string, others []driver.DriverData) error {
	d.mu.Lock()
	d.deleted = true
	d.others = append([]driver.DriverData(nil), others...)
	d.mu.Unlock()
	return d.opts.DeleteErr
}

func (d *Driver) ExecuteCommand(ctx context.Context, cmd string, args ...any) (any, error) {
	if fn, ok := d.opts.Commands[cmd]; ok {
		return fn(ctx, d, args...)
	}
	switch cmd {
	case "getSession":
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.sessionID == "" {
			return nil, ErrNotStarted
		}
		return driver.CloneCaps(d.caps), nil
	case "getSettings":
		return d.Settings(), nil
	case "updateSettings":
		if len(args) == 0 {
			return nil, protocol.New(protocol.KindBadParameters, "updateSettings requires a settings object")
		}
		settings, ok := args[0].(map[string]any)
		if !ok {
			return nil, protocol.New(protocol.KindBadParameters, "settings must be an object")
		}
		return nil, d.UpdateSettings(ctx, settings)
	case "echo":
		return args, nil
	default:
		return nil, protocol.Newf(protocol.KindNotYetImplemented, "fake driver does not implement %q", cmd)
	}
}

func (d *Driver) SetSecurityPolicy(policy driver.SecurityPolicy) {
	d.mu.Lock()
	d.security = policy.Clone()
	d.mu.Unlock()
}

func (d *Driver) Protocol() protocol.Protocol {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.proto
}

func (d *Driver) UpdateSettings(ctx context.Context, settings map[string]any) error {
	if d.opts.SettingsErr != nil {
		return d.opts.SettingsErr
	}
	d.mu.Lock()
	maps.Copy(d.settings, settings)
	d.mu.Unlock()
	return nil
}

func (d *Driver) StartNewCommandTimeout() {
	d.mu.Lock()
	d.timeouts++
	d.mu.Unlock()
}

// DriverData exposes the construction id and, once claimed, the slot.
func (d *Driver) DriverData() driver.DriverData {
	d.mu.Lock()
	defer d.mu.Unlock()
	data := driver.DriverData{"instance": d.instanceID}
	if d.slot >= 0 {
		data["slot"] = d.slot
	}
	return data
}

func (d *Driver) StartUnexpectedShutdown(ctx context.Context, cause error) error {
	d.mu.Lock()
	d.deleted = true
	d.mu.Unlock()
	d.Crash(cause)
	return d.opts.DeleteErr
}

func (d *Driver) ProxyActive(sessionID string) bool {
	return d.opts.ProxyActive && d.SessionID() == sessionID
}

func (d *Driver) ProxyAvoidList(sessionID string) []driver.AvoidRule {
	return append([]driver.AvoidRule(nil), d.opts.AvoidList...)
}

func (d *Driver) CanProxy(sessionID string) bool {
	return d.opts.ProxyActive
}

// Crash raises the driver's unexpected-shutdown notification, if it has one.
func (d *Driver) Crash(cause error) {
	d.mu.Lock()
	fn := d.onCrash
	d.mu.Unlock()
	if fn == nil {
		log.Warn().Err(cause).Msg("fake.Driver.Crash no shutdown contract attached")
		return
	}
	fn(cause)
}

func (d *Driver) SessionID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionID
}

// Others returns the sibling driver data seen by the last create or delete.
func (d *Driver) Others() []driver.DriverData {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]driver.DriverData(nil), d.others...)
}

func (d *Driver) Settings() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return maps.Clone(d.settings)
}

func (d *Driver) Security() driver.SecurityPolicy {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.security.Clone()
}

// TimeoutStarts counts StartNewCommandTimeout calls.
func (d *Driver) TimeoutStarts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timeouts
}

func (d *Driver) Deleted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deleted
}

func (d *Driver) ServerArgs() driver.ServerArgs {
	return d.args
}

func (d *Driver) String() string {
	return fmt.Sprintf("fake.Driver(%s)", d.SessionID())
}

// matchedCaps flattens whichever envelope the request negotiated.
func matchedCaps(req driver.CreateRequest) driver.Capabilities {
	if req.W3CCaps != nil && req.W3CCaps.HasShape() {
		out := driver.CloneCaps(req.W3CCaps.AlwaysMatch)
		if out == nil {
			out = driver.Capabilities{}
		}
		if len(req.W3CCaps.FirstMatch) > 0 {
			maps.Copy(out, req.W3CCaps.FirstMatch[0])
		}
		return out
	}
	out := driver.CloneCaps(req.JSONWPCaps)
	if out == nil {
		out = driver.Capabilities{}
	}
	return out
}

// freeSlot returns the lowest slot not claimed by any sibling.
func freeSlot(others []driver.DriverData) int {
	taken := make(map[int]bool, len(others))
	for _, data := range others {
		if slot, ok := data["slot"].(int); ok {
			taken[slot] = true
		}
	}
	slot := 0
	for taken[slot] {
		slot++
	}
	return slot
}
