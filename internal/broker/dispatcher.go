package broker

import (
	"context"
	"time"

	"github.com/danmuck/drivergate/internal/driver"
	"github.com/danmuck/drivergate/internal/observability"
	"github.com/danmuck/drivergate/internal/protocol"
)

// Umbrella-level command names.
const (
	CommandCreateSession = "createSession"
	CommandDeleteSession = "deleteSession"
	CommandGetSessions   = "getSessions"
	CommandGetStatus     = "getStatus"
)

const noSuchSessionMessage = "A session is either terminated or not started"

// CommandClassifier decides which commands the broker answers itself. The
// HTTP routing layer owns the real command table and may supply its own.
type CommandClassifier interface {
	IsUmbrella(cmd string) bool
}

// CommandSet is a CommandClassifier backed by a fixed set of names.
type CommandSet map[string]struct{}

func (s CommandSet) IsUmbrella(cmd string) bool {
	_, ok := s[cmd]
	return ok
}

// DefaultClassifier returns the commands the broker answers itself.
func DefaultClassifier() CommandSet {
	return CommandSet{
		CommandCreateSession: {},
		CommandDeleteSession: {},
		CommandGetSessions:   {},
		CommandGetStatus:     {},
	}
}

// SessionInfo is one entry of the getSessions result.
type SessionInfo struct {
	ID           string              `json:"id"`
	Capabilities driver.Capabilities `json:"capabilities"`
}

// ExecuteCommand routes cmd to the broker or to the inner driver of the
// session named by the trailing argument. It never returns a Go error.
func (b *Broker) ExecuteCommand(ctx context.Context, cmd string, args ...any) protocol.Envelope {
	start := time.Now()
	env := b.executeCommand(ctx, cmd, args...)
	observability.RecordCommand(cmd, time.Since(start), !env.Failed())
	return env
}

func (b *Broker) executeCommand(ctx context.Context, cmd string, args ...any) protocol.Envelope {
	if cmd == CommandGetStatus {
		return protocol.Success(protocol.ProtocolNone, b.GetStatus())
	}

	if b.classifier.IsUmbrella(cmd) {
		return b.executeUmbrella(ctx, cmd, args...)
	}

	sessionID, _ := trailingSessionID(args)
	sess, ok := b.sessions.Get(sessionID)
	if !ok {
		return protocol.Failure(protocol.ProtocolNone, protocol.New(protocol.KindNoSuchDriver, noSuchSessionMessage))
	}

	value, err := callDriver(ctx, sess.Driver, cmd, args...)
	if err != nil {
		b.logger.Debug().
			Err(err).
			Str("session_id", sess.ID).
			Str("command", cmd).
			Msg("broker.Broker.ExecuteCommand inner command failed")
		return protocol.Failure(sess.Protocol, err)
	}
	return protocol.Success(sess.Protocol, value)
}

func (b *Broker) executeUmbrella(ctx context.Context, cmd string, args ...any) protocol.Envelope {
	switch cmd {
	case CommandCreateSession:
		req, err := createRequestFromArgs(args)
		if err != nil {
			return protocol.Failure(protocol.ProtocolNone, err)
		}
		return b.CreateSession(ctx, req)
	case CommandDeleteSession:
		sessionID, ok := trailingSessionID(args)
		if !ok {
			return protocol.Failure(protocol.ProtocolNone, protocol.New(protocol.KindNoSuchDriver, noSuchSessionMessage))
		}
		return b.DeleteSession(ctx, sessionID)
	case CommandGetSessions:
		return protocol.Success(protocol.ProtocolNone, b.GetSessions())
	case CommandGetStatus:
		return protocol.Success(protocol.ProtocolNone, b.GetStatus())
	default:
		return protocol.Failure(protocol.ProtocolNone,
			protocol.Newf(protocol.KindUnknownCommand, "the umbrella driver has no handler for %q", cmd))
	}
}

// GetSessions lists active sessions, oldest first.
func (b *Broker) GetSessions() []SessionInfo {
	list := b.sessions.List()
	out := make([]SessionInfo, 0, len(list))
	for _, sess := range list {
		out = append(out, SessionInfo{ID: sess.ID, Capabilities: driver.CloneCaps(sess.Capabilities)})
	}
	return out
}

// ProxyActive reports whether the session forwards raw requests upstream.
// Unknown sessions report false.
func (b *Broker) ProxyActive(sessionID string) bool {
	pa, ok := b.proxyAware(sessionID)
	return ok && pa.ProxyActive(sessionID)
}

// GetProxyAvoidList returns the session's avoid rules, never nil.
func (b *Broker) GetProxyAvoidList(sessionID string) []driver.AvoidRule {
	pa, ok := b.proxyAware(sessionID)
	if !ok {
		return []driver.AvoidRule{}
	}
	list := pa.ProxyAvoidList(sessionID)
	if list == nil {
		return []driver.AvoidRule{}
	}
	return list
}

// CanProxy reports whether the session's driver can forward raw requests.
func (b *Broker) CanProxy(sessionID string) bool {
	pa, ok := b.proxyAware(sessionID)
	return ok && pa.CanProxy(sessionID)
}

func (b *Broker) proxyAware(sessionID string) (driver.ProxyAware, bool) {
	sess, ok := b.sessions.Get(sessionID)
	if !ok {
		return nil, false
	}
	pa, ok := sess.Driver.(driver.ProxyAware)
	return pa, ok
}

// callDriver turns a panic inside driver code into an UnknownError so one
// broken backend cannot take the process down.
func callDriver(ctx context.Context, d driver.Driver, cmd string, args ...any) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = protocol.Newf(protocol.KindUnknownError, "driver panicked while running %q: %v", cmd, r)
		}
	}()
	return d.ExecuteCommand(ctx, cmd, args...)
}

func trailingSessionID(args []any) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	id, ok := args[len(args)-1].(string)
	return id, ok && id != ""
}

// createRequestFromArgs reads (jsonwpCaps, reqCaps, w3cCaps) positional
// arguments. Missing trailing arguments are nil.
func createRequestFromArgs(args []any) (driver.CreateRequest, error) {
	var req driver.CreateRequest
	var err error
	if len(args) > 0 {
		if req.JSONWPCaps, err = capsArg(args[0], "desiredCapabilities"); err != nil {
			return req, err
		}
	}
	if len(args) > 1 {
		if req.ReqCaps, err = capsArg(args[1], "requiredCapabilities"); err != nil {
			return req, err
		}
	}
	if len(args) > 2 {
		if req.W3CCaps, err = w3cArg(args[2]); err != nil {
			return req, err
		}
	}
	return req, nil
}

func capsArg(v any, name string) (driver.Capabilities, error) {
	switch c := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return c, nil
	default:
		return nil, protocol.Newf(protocol.KindBadParameters, "%s must be an object, got %T", name, v)
	}
}

func w3cArg(v any) (*protocol.W3CCapabilities, error) {
	switch c := v.(type) {
	case nil:
		return nil, nil
	case *protocol.W3CCapabilities:
		return c, nil
	case protocol.W3CCapabilities:
		return &c, nil
	case map[string]any:
		return w3cFromMap(c)
	default:
		return nil, protocol.Newf(protocol.KindBadParameters, "capabilities must be an object, got %T", v)
	}
}

func w3cFromMap(m map[string]any) (*protocol.W3CCapabilities, error) {
	out := &protocol.W3CCapabilities{}
	if raw, ok := m["alwaysMatch"]; ok && raw != nil {
		always, ok := raw.(map[string]any)
		if !ok {
			return nil, protocol.New(protocol.KindBadParameters, "alwaysMatch must be an object")
		}
		out.AlwaysMatch = always
	}
	if raw, ok := m["firstMatch"]; ok && raw != nil {
		switch list := raw.(type) {
		case []map[string]any:
			out.FirstMatch = list
		case []any:
			out.FirstMatch = make([]map[string]any, 0, len(list))
			for i, item := range list {
				entry, ok := item.(map[string]any)
				if !ok {
					return nil, protocol.Newf(protocol.KindBadParameters, "firstMatch[%d] must be an object", i)
				}
				out.FirstMatch = append(out.FirstMatch, entry)
			}
		default:
			return nil, protocol.New(protocol.KindBadParameters, "firstMatch must be a list of objects")
		}
	}
	return out, nil
}
