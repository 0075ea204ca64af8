package driver

import (
	"context"
	"maps"

	"github.com/danmuck/drivergate/internal/protocol"
)

// Capabilities is a flat capability map.
type Capabilities = map[string]any

// DriverData is the arbitration snapshot a driver exposes so sibling
// constructions of the same driver type can avoid shared resources.
type DriverData = map[string]any

// SecurityPolicy carries flags that come only from server configuration.
type SecurityPolicy struct {
	RelaxedSecurityEnabled bool
	AllowInsecure          []string
	DenyInsecure           []string
}

// Clone returns a copy that shares no slices with p.
func (p SecurityPolicy) Clone() SecurityPolicy {
	return SecurityPolicy{
		RelaxedSecurityEnabled: p.RelaxedSecurityEnabled,
		AllowInsecure:          append([]string(nil), p.AllowInsecure...),
		DenyInsecure:           append([]string(nil), p.DenyInsecure...),
	}
}

// ServerArgs is what a factory receives when constructing a driver.
type ServerArgs struct {
	Address  string
	Security SecurityPolicy
	// Extra is driver-specific configuration from the server config file.
	Extra map[string]any
}

// CreateRequest bundles the three capability envelopes a client may send.
type CreateRequest struct {
	JSONWPCaps Capabilities
	ReqCaps    Capabilities
	W3CCaps    *protocol.W3CCapabilities
}

// Driver is a platform-specific automation backend for one session.
type Driver interface {
	// CreateSession starts the backend session. others holds the driver data
	// of registered sessions and in-flight constructions of the same type.
	CreateSession(ctx context.Context, req CreateRequest, others []DriverData) (string, Capabilities, error)
	DeleteSession(ctx context.Context, sessionID string, others []DriverData) error
	ExecuteCommand(ctx context.Context, cmd string, args ...any) (any, error)

	// SetSecurityPolicy replaces the driver's security flags.
	SetSecurityPolicy(policy SecurityPolicy)
	Protocol() protocol.Protocol
	UpdateSettings(ctx context.Context, settings map[string]any) error
	StartNewCommandTimeout()
	DriverData() DriverData

	// StartUnexpectedShutdown tears the driver down abruptly with cause.
	StartUnexpectedShutdown(ctx context.Context, cause error) error
}

// ProxyAware is implemented by drivers that can forward raw requests to an
// upstream automation agent.
type ProxyAware interface {
	ProxyActive(sessionID string) bool
	ProxyAvoidList(sessionID string) []AvoidRule
	CanProxy(sessionID string) bool
}

// AvoidRule names a request that must not be proxied even when proxying is
// active.
type AvoidRule struct {
	Method string
	Path   string
}

// SiblingAware is implemented by drivers that arbitrate shared resources
// during CreateSession. view returns the current DriverData of every running
// or in-flight driver of the same type, excluding the caller, and may be
// called any number of times until CreateSession returns.
type SiblingAware interface {
	SetSiblingView(view func() []DriverData)
}

// ShutdownNotifier is implemented by drivers that can report crashes.
type ShutdownNotifier interface {
	UnexpectedShutdown() *ShutdownSignal
}

// ShutdownCallbackRegistrar is the older callback-registration shape.
// AdaptCallback turns it into a ShutdownSignal.
type ShutdownCallbackRegistrar interface {
	OnUnexpectedShutdown(fn func(cause error))
}

// Factory builds drivers of one automation backend.
type Factory interface {
	Version() string
	New(args ServerArgs) Driver
}

// Loader is implemented by factories whose backend can be unavailable at
// resolution time, e.g. a missing upstream endpoint.
type Loader interface {
	Load() error
}

// FactoryFunc adapts a constructor into a Factory.
type FactoryFunc struct {
	DriverVersion string
	Build         func(args ServerArgs) Driver
}

func (f FactoryFunc) Version() string { return f.DriverVersion }

func (f FactoryFunc) New(args ServerArgs) Driver {
	return f.Build(args)
}

// CloneCaps returns a shallow copy of caps; nil stays nil.
func CloneCaps(caps Capabilities) Capabilities {
	if caps == nil {
		return nil
	}
	out := make(Capabilities, len(caps))
	maps.Copy(out, caps)
	return out
}
