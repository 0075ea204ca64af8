package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/drivergate/internal/admin"
	"github.com/danmuck/drivergate/internal/auth"
	"github.com/danmuck/drivergate/internal/broker"
	"github.com/danmuck/drivergate/internal/caps"
	"github.com/danmuck/drivergate/internal/config"
	"github.com/danmuck/drivergate/internal/drivers"
	"github.com/danmuck/drivergate/internal/drivers/fake"
	"github.com/danmuck/drivergate/internal/drivers/remote"
	"github.com/danmuck/drivergate/internal/logging"
	"github.com/danmuck/drivergate/internal/observability"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const (
	terminatedReason = "The process was terminated"
	shutdownTimeout  = 30 * time.Second
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "gatectl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var v flagValues
	fs := newFlagSet(&v)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if rest := fs.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	if v.version {
		info := broker.ReadBuildInfo()
		fmt.Printf("gatectl %s (%s) %s\n", info.Version, info.Revision, info.GoVersion)
		return nil
	}
	if v.initPath != "" {
		if err := config.WriteTemplate(v.initPath, "server", v.force); err != nil {
			return err
		}
		fmt.Printf("wrote config template to %s\n", v.initPath)
		return nil
	}

	cfg, err := loadConfig(fs, &v)
	if err != nil {
		return err
	}

	logger := observability.InitLogger("gatectl", logging.RuntimeConfig(cfg.LogLevel))
	for _, warning := range cfg.Warnings {
		logger.Warn().Msgf("gatectl.run config %s", warning)
	}

	registry, err := buildRegistry(cfg, &logger)
	if err != nil {
		return err
	}
	b := buildBroker(cfg, registry, &logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adminCfg := admin.Config{
		Address:     cfg.AdminAddress,
		CORSOrigins: cfg.CORSOrigins,
		Logger:      &logger,
	}
	if cfg.AdminToken != "" {
		adminCfg.Auth = auth.StaticToken{Token: cfg.AdminToken}
	}
	srv := admin.New(adminCfg, b)

	logger.Info().
		Strs("drivers", registry.Bound()).
		Str("admin", cfg.AdminAddress).
		Msg("gatectl.run started")

	serveErr := srv.Serve(ctx)
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	b.DeleteAllSessions(shutdownCtx, broker.DeleteAllOptions{Force: true, Reason: terminatedReason})
	logger.Info().Msg("gatectl.run stopped")
	return serveErr
}

func buildRegistry(cfg config.ServerConfig, logger *zerolog.Logger) (*drivers.Registry, error) {
	registry := drivers.NewRegistryWithLogger(logger)
	if cfg.FakeDriver {
		if err := registry.Register(drivers.Fake, fake.NewFactory(fake.Options{})); err != nil {
			return nil, err
		}
	}
	for _, rc := range config.RemoteConfigs(cfg.Drivers, logger) {
		factory, err := remote.NewFactory(rc)
		if err != nil {
			return nil, fmt.Errorf("driver %s: %w", rc.AutomationName, err)
		}
		if err := registry.Register(rc.AutomationName, factory); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func buildBroker(cfg config.ServerConfig, registry *drivers.Registry, logger *zerolog.Logger) *broker.Broker {
	return broker.New(broker.Config{
		SessionOverride: cfg.SessionOverride,
		Security:        cfg.Security(),
		Address:         cfg.Address,
		Drivers:         registry,
		Resolver: &caps.Resolver{
			Constraints:  caps.BaseConstraints(drivers.AutomationNames()),
			Defaults:     cfg.DefaultCapabilities,
			VendorPrefix: cfg.VendorPrefix,
			Logger:       logger,
		},
		Logger: logger,
	})
}
