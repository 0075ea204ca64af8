package drivers

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/drivergate/internal/driver"
	"github.com/danmuck/drivergate/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrFactoryNil            = errors.New("drivers: factory is nil")
	ErrFactoryExists         = errors.New("drivers: factory already registered")
	ErrUnknownAutomationName = errors.New("drivers: unknown automation name")
	ErrPlatformNameRequired  = errors.New("drivers: platformName is required")
	ErrDriverNotFound        = errors.New("drivers: could not find a driver")
	ErrDriverNotLoaded       = errors.New("drivers: could not load driver")
)

// Selection is the outcome of SelectDriver.
type Selection struct {
	AutomationName string
	DriverName     string
	Factory        driver.Factory
	Version        string
}

// Registry binds automation names to factories. Bindings happen once at
// startup; lookups may run concurrently with each other.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]driver.Factory
	logger    *zerolog.Logger
}

// NewRegistry creates an empty registry logging through the global logger.
func NewRegistry() *Registry {
	return NewRegistryWithLogger(nil)
}

func NewRegistryWithLogger(logger *zerolog.Logger) *Registry {
	if logger == nil {
		logger = &log.Logger
	}
	return &Registry{
		factories: make(map[string]driver.Factory),
		logger:    logger,
	}
}

// Register binds factory to a known automation name.
func (r *Registry) Register(automationName string, factory driver.Factory) error {
	if factory == nil {
		return ErrFactoryNil
	}
	info, ok := Lookup(automationName)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAutomationName, automationName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[info.AutomationName]; ok {
		return fmt.Errorf("%w: %s", ErrFactoryExists, info.AutomationName)
	}
	r.factories[info.AutomationName] = factory
	return nil
}

// Bound lists automation names that have a factory, sorted.
func (r *Registry) Bound() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// SelectDriver resolves the factory for caps. When automationName is absent
// or the umbrella name it is inferred from platformName. Failures are
// SessionNotCreated errors wrapping ErrDriverNotFound or ErrDriverNotLoaded.
func (r *Registry) SelectDriver(caps map[string]any) (Selection, error) {
	platformName, _ := caps["platformName"].(string)
	if strings.TrimSpace(platformName) == "" {
		return Selection{}, protocol.Wrap(protocol.KindSessionNotCreated,
			fmt.Errorf("%w: you must include a platformName capability", ErrPlatformNameRequired))
	}

	automationName, _ := caps["automationName"].(string)
	if strings.TrimSpace(automationName) == "" || strings.EqualFold(automationName, UmbrellaAutomationName) {
		platformVersion, _ := caps["platformVersion"].(string)
		if inferred := inferAutomationName(r.logger, platformName, platformVersion); inferred != "" {
			automationName = inferred
		}
	}

	info, ok := Lookup(automationName)
	if !ok {
		return Selection{}, protocol.Wrap(protocol.KindSessionNotCreated, fmt.Errorf(
			"%w for automationName '%s' and platformName '%s'. Please check your desired capabilities",
			ErrDriverNotFound, automationName, platformName))
	}

	r.mu.RLock()
	factory, bound := r.factories[info.AutomationName]
	r.mu.RUnlock()
	if !bound {
		return Selection{}, protocol.Wrap(protocol.KindSessionNotCreated, fmt.Errorf(
			"%w '%s' for automationName '%s': no backend is configured for it. Add a [[drivers]] entry to the server config",
			ErrDriverNotLoaded, info.DriverName, info.AutomationName))
	}
	if loader, ok := factory.(driver.Loader); ok {
		if err := loader.Load(); err != nil {
			return Selection{}, protocol.Wrap(protocol.KindSessionNotCreated, fmt.Errorf(
				"%w '%s' for automationName '%s': %v. Check that the backend is installed and reachable",
				ErrDriverNotLoaded, info.DriverName, info.AutomationName, err))
		}
	}

	return Selection{
		AutomationName: info.AutomationName,
		DriverName:     info.DriverName,
		Factory:        factory,
		Version:        factory.Version(),
	}, nil
}
