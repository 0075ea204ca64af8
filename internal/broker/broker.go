package broker

import (
	"github.com/danmuck/drivergate/internal/caps"
	"github.com/danmuck/drivergate/internal/driver"
	"github.com/danmuck/drivergate/internal/drivers"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config wires a Broker. Security is copied onto every new driver and is the
// only source of those flags.
type Config struct {
	SessionOverride bool
	Security        driver.SecurityPolicy
	Address         string
	// DriverArgs carries per-automation-name settings handed to factories.
	DriverArgs map[string]map[string]any
	Resolver   *caps.Resolver
	Drivers    *drivers.Registry
	Classifier CommandClassifier
	Build      BuildInfo
	Logger     *zerolog.Logger
}

// Broker is the umbrella driver: it owns every session and routes commands
// to the inner driver that serves them.
type Broker struct {
	cfg        Config
	sessions   *SessionRegistry
	resolver   *caps.Resolver
	drivers    *drivers.Registry
	classifier CommandClassifier
	logger     *zerolog.Logger
}

func New(cfg Config) *Broker {
	b := &Broker{
		cfg:        cfg,
		sessions:   NewSessionRegistry(),
		resolver:   cfg.Resolver,
		drivers:    cfg.Drivers,
		classifier: cfg.Classifier,
		logger:     cfg.Logger,
	}
	if b.logger == nil {
		b.logger = &log.Logger
	}
	if b.drivers == nil {
		b.drivers = drivers.NewRegistryWithLogger(b.logger)
	}
	if b.resolver == nil {
		b.resolver = &caps.Resolver{
			Constraints: caps.BaseConstraints(drivers.AutomationNames()),
			Logger:      b.logger,
		}
	}
	if b.classifier == nil {
		b.classifier = DefaultClassifier()
	}
	if b.cfg.Build.Version == "" {
		b.cfg.Build = ReadBuildInfo()
	}
	return b
}

// Sessions exposes the registry for inspection.
func (b *Broker) Sessions() *SessionRegistry {
	return b.sessions
}

func (b *Broker) serverArgs(automationName string) driver.ServerArgs {
	return driver.ServerArgs{
		Address:  b.cfg.Address,
		Security: b.cfg.Security.Clone(),
		Extra:    b.cfg.DriverArgs[automationName],
	}
}
