package main

import (
	"fmt"
	"strings"

	"github.com/danmuck/drivergate/internal/config"
	"github.com/spf13/pflag"
)

type flagValues struct {
	configPath      string
	address         string
	adminAddress    string
	adminToken      string
	sessionOverride bool
	relaxedSecurity bool
	allowInsecure   []string
	denyInsecure    []string
	defaultCaps     string
	fakeDriver      bool
	logLevel        string
	initPath        string
	force           bool
	version         bool
}

func newFlagSet(v *flagValues) *pflag.FlagSet {
	fs := pflag.NewFlagSet("gatectl", pflag.ContinueOnError)
	fs.StringVarP(&v.configPath, "config", "c", "", "path to a TOML config file")
	fs.StringVar(&v.address, "address", "", "address handed to drivers as the gateway address")
	fs.StringVar(&v.adminAddress, "admin-address", "", "listen address for the admin HTTP server")
	fs.StringVar(&v.adminToken, "admin-token", "", "bearer token required to create or delete sessions over the admin API")
	fs.BoolVar(&v.sessionOverride, "session-override", false, "delete existing sessions before creating a new one")
	fs.BoolVar(&v.relaxedSecurity, "relaxed-security", false, "enable every insecure feature")
	fs.StringSliceVar(&v.allowInsecure, "allow-insecure", nil, "insecure features to enable")
	fs.StringSliceVar(&v.denyInsecure, "deny-insecure", nil, "insecure features to disable")
	fs.StringVar(&v.defaultCaps, "default-capabilities", "", "JSONC file with default capabilities")
	fs.BoolVar(&v.fakeDriver, "fake-driver", false, "register the in-memory Fake driver")
	fs.StringVar(&v.logLevel, "log-level", "", "log level (trace|debug|info|warn|error|off)")
	fs.StringVar(&v.initPath, "init", "", "write a config template to this path and exit")
	fs.BoolVar(&v.force, "force", false, "overwrite an existing file with --init")
	fs.BoolVar(&v.version, "version", false, "print build information and exit")
	return fs
}

// loadConfig reads the optional config file and applies flags the user set
// explicitly on top of it.
func loadConfig(fs *pflag.FlagSet, v *flagValues) (config.ServerConfig, error) {
	cfg := config.DefaultServerConfig()
	if path := strings.TrimSpace(v.configPath); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.ServerConfig{}, err
		}
		cfg = loaded
	}

	if fs.Changed("address") {
		cfg.Address = strings.TrimSpace(v.address)
	}
	if fs.Changed("admin-address") {
		cfg.AdminAddress = strings.TrimSpace(v.adminAddress)
	}
	if fs.Changed("admin-token") {
		cfg.AdminToken = strings.TrimSpace(v.adminToken)
	}
	if fs.Changed("session-override") {
		cfg.SessionOverride = v.sessionOverride
	}
	if fs.Changed("relaxed-security") {
		cfg.RelaxedSecurity = v.relaxedSecurity
	}
	if fs.Changed("allow-insecure") {
		cfg.AllowInsecure = v.allowInsecure
	}
	if fs.Changed("deny-insecure") {
		cfg.DenyInsecure = v.denyInsecure
	}
	if fs.Changed("default-capabilities") {
		caps, err := config.LoadCapabilities(v.defaultCaps)
		if err != nil {
			return config.ServerConfig{}, err
		}
		if cfg.DefaultCapabilities == nil {
			cfg.DefaultCapabilities = make(map[string]any, len(caps))
		}
		for k, val := range caps {
			cfg.DefaultCapabilities[k] = val
		}
	}
	if fs.Changed("fake-driver") {
		cfg.FakeDriver = v.fakeDriver
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = v.logLevel
	}

	if err := config.Validate(&cfg); err != nil {
		return config.ServerConfig{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
