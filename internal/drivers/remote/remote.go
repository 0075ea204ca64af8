// Package remote is an inner driver that serves a session by forwarding it
// to an upstream WebDriver server. It watches the upstream's health and the
// client's command cadence and reports either failure as an unexpected
// shutdown.
package remote

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/drivergate/internal/driver"
	"github.com/danmuck/drivergate/internal/protocol"
	"github.com/danmuck/drivergate/internal/proxy"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

const (
	DefaultNewCommandTimeout = 60 * time.Second
	DefaultHealthFailures    = 3
	probeTimeout             = 5 * time.Second
	cleanupTimeout           = 10 * time.Second
)

var (
	ErrCommandTimeout    = errors.New("remote: new command timeout expired")
	ErrUpstreamUnhealthy = errors.New("remote: upstream stopped responding")
	ErrNoSessionID       = errors.New("remote: upstream did not return a session id")
	ErrSessionActive     = errors.New("remote: session already started")
)

// Config describes one upstream endpoint.
type Config struct {
	AutomationName string
	URL            string
	BasePath       string
	Version        string
	Timeout        time.Duration
	// HealthInterval of zero disables the health watchdog.
	HealthInterval time.Duration
	HealthFailures int
	HealthBackoff  BackoffConfig
	ProxyAvoid     []driver.AvoidRule
	Client         *http.Client
	Logger         *zerolog.Logger
}

// Driver forwards one session to the upstream.
type Driver struct {
	cfg    Config
	args   driver.ServerArgs
	proxy  *proxy.Proxy
	signal *driver.ShutdownSignal
	logger *zerolog.Logger

	mu                sync.Mutex
	sessionID         string
	proto             protocol.Protocol
	caps              driver.Capabilities
	security          driver.SecurityPolicy
	newCommandTimeout time.Duration
	commandTimer      *time.Timer
	stopHealth        context.CancelFunc
}

// NewDriver builds a driver for cfg. The upstream is not contacted until
// CreateSession.
func NewDriver(cfg Config, args driver.ServerArgs) (*Driver, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = &log.Logger
	}
	p, err := proxy.New(proxy.Config{
		Server:   cfg.URL,
		BasePath: cfg.BasePath,
		Timeout:  cfg.Timeout,
		Client:   cfg.Client,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	if cfg.HealthFailures <= 0 {
		cfg.HealthFailures = DefaultHealthFailures
	}
	if cfg.HealthBackoff.InitialDelay <= 0 {
		cfg.HealthBackoff = defaultBackoff(cfg.HealthInterval)
	}
	return &Driver{
		cfg:    cfg,
		args:   args,
		proxy:  p,
		signal: driver.NewShutdownSignal(),
		logger: logger,
	}, nil
}

func (d *Driver) CreateSession(ctx context.Context, req driver.CreateRequest, others []driver.DriverData) (string, driver.Capabilities, error) {
	d.mu.Lock()
	if d.sessionID != "" {
		d.mu.Unlock()
		return "", nil, ErrSessionActive
	}
	d.mu.Unlock()

	body := map[string]any{}
	if req.JSONWPCaps != nil {
		body["desiredCapabilities"] = req.JSONWPCaps
	}
	if req.ReqCaps != nil {
		body["requiredCapabilities"] = req.ReqCaps
	}
	if req.W3CCaps.HasShape() {
		body["capabilities"] = req.W3CCaps
	}
	resp, err := d.proxy.Do(ctx, http.MethodPost, "/session", body)
	if err != nil {
		return "", nil, err
	}
	if _, err := proxy.Unwrap(resp); err != nil {
		return "", nil, err
	}

	parsed := gjson.ParseBytes(resp.Body)
	id := parsed.Get("value.sessionId").String()
	returned := parsed.Get("value.capabilities")
	if id == "" {
		id = parsed.Get("sessionId").String()
		returned = parsed.Get("value")
	}
	if id == "" {
		return "", nil, ErrNoSessionID
	}

	requested := requestedCaps(req)
	matched := requested
	if m, ok := returned.Value().(map[string]any); ok {
		matched = m
	}

	d.mu.Lock()
	d.sessionID = id
	d.proto = protocol.DetermineProtocol(req.W3CCaps)
	d.caps = matched
	d.newCommandTimeout = commandTimeoutFrom(requested)
	relaxed := d.security.RelaxedSecurityEnabled
	d.mu.Unlock()
	d.proxy.SetSessionID(id)

	d.logger.Info().
		Str("session_id", id).
		Str("upstream", d.cfg.URL).
		Int("others", len(others)).
		Bool("relaxed_security", relaxed).
		Msg("remote.Driver.CreateSession upstream session started")
	d.startHealth()
	return id, driver.CloneCaps(matched), nil
}

// DeleteSession ends the upstream session. The driver forgets the id before
// the upstream call so a command still in flight cannot re-arm the idle timer.
func (d *Driver) DeleteSession(ctx context.Context, sessionID string, others []driver.DriverData) error {
	d.endSession()
	if d.proxy.SessionID() == "" {
		return nil
	}
	_, err := d.proxy.SessionCommand(ctx, http.MethodDelete, "", nil)
	d.proxy.SetSessionID("")
	return err
}

func (d *Driver) ExecuteCommand(ctx context.Context, cmd string, args ...any) (any, error) {
	d.clearCommandTimeout()
	defer d.StartNewCommandTimeout()

	args = d.trimSessionArg(args)
	if cmd == CommandProxy {
		method, path, body, err := proxyArgs(args)
		if err != nil {
			return nil, err
		}
		return d.proxy.SessionCommand(ctx, method, path, body)
	}
	r, ok := routes[cmd]
	if !ok {
		return nil, protocol.Newf(protocol.KindNotYetImplemented, "the remote driver cannot forward %q", cmd)
	}
	path, body, err := r.resolve(args)
	if err != nil {
		return nil, err
	}
	return d.proxy.SessionCommand(ctx, r.method, path, body)
}

// trimSessionArg drops the trailing session id the dispatcher leaves on.
func (d *Driver) trimSessionArg(args []any) []any {
	if len(args) == 0 {
		return args
	}
	if id, ok := args[len(args)-1].(string); ok && id != "" && id == d.SessionID() {
		return args[:len(args)-1]
	}
	return args
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
	_, err := d.proxy.SessionCommand(ctx, http.MethodPost, "/appium/settings", map[string]any{"settings": settings})
	return err
}

// StartNewCommandTimeout (re)arms the idle timer. A timeout of zero
// disables it.
func (d *Driver) StartNewCommandTimeout() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.commandTimer != nil {
		d.commandTimer.Stop()
		d.commandTimer = nil
	}
	if d.sessionID == "" || d.newCommandTimeout <= 0 {
		return
	}
	timeout := d.newCommandTimeout
	d.commandTimer = time.AfterFunc(timeout, func() {
		d.shutdown(fmt.Errorf("%w: no command arrived within %s; raise the newCommandTimeout capability to keep idle sessions longer",
			ErrCommandTimeout, timeout))
	})
}

func (d *Driver) clearCommandTimeout() {
	d.mu.Lock()
	if d.commandTimer != nil {
		d.commandTimer.Stop()
		d.commandTimer = nil
	}
	d.mu.Unlock()
}

func (d *Driver) DriverData() driver.DriverData {
	return driver.DriverData{
		"upstream":  d.cfg.URL,
		"sessionId": d.SessionID(),
	}
}

func (d *Driver) StartUnexpectedShutdown(ctx context.Context, cause error) error {
	d.endSession()
	var err error
	if d.proxy.SessionID() != "" {
		_, err = d.proxy.SessionCommand(ctx, http.MethodDelete, "", nil)
		d.proxy.SetSessionID("")
	}
	d.signal.Trigger(cause)
	return err
}

func (d *Driver) UnexpectedShutdown() *driver.ShutdownSignal {
	return d.signal
}

func (d *Driver) ProxyActive(sessionID string) bool {
	id := d.SessionID()
	return id != "" && id == sessionID
}

func (d *Driver) ProxyAvoidList(sessionID string) []driver.AvoidRule {
	return append([]driver.AvoidRule(nil), d.cfg.ProxyAvoid...)
}

func (d *Driver) CanProxy(sessionID string) bool {
	return true
}

func (d *Driver) SessionID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionID
}

// shutdown ends the session on the driver's own initiative. A session that
// was already deleted is left alone.
func (d *Driver) shutdown(cause error) {
	id := d.SessionID()
	if id == "" {
		d.logger.Debug().
			Err(cause).
			Msg("remote.Driver.shutdown session already ended")
		return
	}
	d.logger.Warn().
		Err(cause).
		Str("session_id", id).
		Str("upstream", d.cfg.URL).
		Msg("remote.Driver.shutdown closing session")
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := d.StartUnexpectedShutdown(ctx, cause); err != nil {
		d.logger.Debug().Err(err).Msg("remote.Driver.shutdown upstream delete failed")
	}
}

// endSession clears the session id and stops both watchdogs.
func (d *Driver) endSession() {
	d.mu.Lock()
	d.sessionID = ""
	if d.commandTimer != nil {
		d.commandTimer.Stop()
		d.commandTimer = nil
	}
	stop := d.stopHealth
	d.stopHealth = nil
	d.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (d *Driver) startHealth() {
	if d.cfg.HealthInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.stopHealth = cancel
	d.mu.Unlock()
	go d.watchHealth(ctx)
}

// watchHealth probes the upstream status endpoint. Consecutive failures back
// off; reaching HealthFailures ends the session.
func (d *Driver) watchHealth(ctx context.Context) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	failures := 0
	wait := d.cfg.HealthInterval
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		err := d.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			failures = 0
			timer.Reset(d.cfg.HealthInterval)
			continue
		}

		failures++
		d.logger.Warn().
			Err(err).
			Int("failures", failures).
			Str("upstream", d.cfg.URL).
			Msg("remote.Driver.watchHealth probe failed")
		if failures >= d.cfg.HealthFailures {
			d.shutdown(fmt.Errorf("%w: %s failed %d health checks: %v", ErrUpstreamUnhealthy, d.cfg.URL, failures, err))
			return
		}
		timer.Reset(nextBackoffDelay(d.cfg.HealthBackoff, failures, rng))
	}
}

func (d *Driver) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	_, err := d.proxy.Command(ctx, http.MethodGet, "/status", nil)
	return err
}

// requestedCaps flattens the negotiated envelope.
func requestedCaps(req driver.CreateRequest) driver.Capabilities {
	out := driver.Capabilities{}
	if req.W3CCaps.HasShape() {
		maps.Copy(out, req.W3CCaps.AlwaysMatch)
		if len(req.W3CCaps.FirstMatch) > 0 {
			maps.Copy(out, req.W3CCaps.FirstMatch[0])
		}
		return out
	}
	maps.Copy(out, req.JSONWPCaps)
	maps.Copy(out, req.ReqCaps)
	return out
}

// commandTimeoutFrom reads newCommandTimeout in seconds.
func commandTimeoutFrom(caps driver.Capabilities) time.Duration {
	raw, ok := caps["newCommandTimeout"]
	if !ok {
		return DefaultNewCommandTimeout
	}
	var seconds float64
	switch v := raw.(type) {
	case float64:
		seconds = v
	case int:
		seconds = float64(v)
	case int64:
		seconds = float64(v)
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return DefaultNewCommandTimeout
		}
		seconds = parsed
	default:
		return DefaultNewCommandTimeout
	}
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
