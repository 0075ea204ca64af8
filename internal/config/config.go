package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/drivergate/internal/driver"
	"github.com/danmuck/drivergate/internal/drivers"
	"github.com/tidwall/jsonc"
)

var (
	ErrUnknownAutomationName = errors.New("config: unknown automation name")
	ErrInvalidDriverURL      = errors.New("config: driver url must be an absolute http(s) url")
	ErrDuplicateDriver       = errors.New("config: duplicate driver entry")
	ErrInvalidCapabilities   = errors.New("config: default capabilities must be a JSON object")
)

// DriverConfig is one [[drivers]] entry: an upstream WebDriver endpoint that
// serves one automation name.
type DriverConfig struct {
	AutomationName string
	URL            string
	BasePath       string
	Version        string
	HealthInterval time.Duration
	HealthFailures int
	ProxyAvoid     []driver.AvoidRule
}

// ServerConfig is the gateway's full runtime configuration.
type ServerConfig struct {
	Address             string
	AdminAddress        string
	AdminToken          string
	SessionOverride     bool
	RelaxedSecurity     bool
	AllowInsecure       []string
	DenyInsecure        []string
	DefaultCapabilities map[string]any
	VendorPrefix        string
	FakeDriver          bool
	CORSOrigins         []string
	LogLevel            string
	Drivers             []DriverConfig
	// Warnings collects non-fatal findings from validation.
	Warnings []string
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "127.0.0.1:4723",
		AdminAddress: "127.0.0.1:4724",
		VendorPrefix: "appium:",
		CORSOrigins:  []string{"http://localhost:3000"},
		LogLevel:     "info",
	}
}

// Security returns the policy copied onto every driver.
func (c ServerConfig) Security() driver.SecurityPolicy {
	return driver.SecurityPolicy{
		RelaxedSecurityEnabled: c.RelaxedSecurity,
		AllowInsecure:          append([]string(nil), c.AllowInsecure...),
		DenyInsecure:           append([]string(nil), c.DenyInsecure...),
	}
}

type fileConfig struct {
	Address                 string           `toml:"address"`
	AdminAddress            string           `toml:"admin_address"`
	AdminToken              string           `toml:"admin_token"`
	SessionOverride         bool             `toml:"session_override"`
	RelaxedSecurity         bool             `toml:"relaxed_security"`
	AllowInsecure           []string         `toml:"allow_insecure"`
	DenyInsecure            []string         `toml:"deny_insecure"`
	DefaultCapabilitiesFile string           `toml:"default_capabilities_file"`
	DefaultCapabilities     map[string]any   `toml:"default_capabilities"`
	VendorPrefix            string           `toml:"vendor_prefix"`
	FakeDriver              bool             `toml:"fake_driver"`
	CORSOrigins             []string         `toml:"cors_origins"`
	Log                     fileLogConfig    `toml:"log"`
	Drivers                 []fileDriverConf `toml:"drivers"`
}

type fileLogConfig struct {
	Level string `toml:"level"`
}

type fileDriverConf struct {
	AutomationName string          `toml:"automation_name"`
	URL            string          `toml:"url"`
	BasePath       string          `toml:"base_path"`
	Version        string          `toml:"version"`
	HealthInterval string          `toml:"health_interval"`
	HealthFailures int             `toml:"health_failures"`
	ProxyAvoid     []fileAvoidRule `toml:"proxy_avoid"`
}

type fileAvoidRule struct {
	Method string `toml:"method"`
	Path   string `toml:"path"`
}

// Load reads the TOML file at path and overlays it on DefaultServerConfig.
// A relative default_capabilities_file resolves against the config's
// directory. The result is validated before it is returned.
func Load(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("load drivergate config: %w", err)
	}

	if meta.IsDefined("address") {
		if addr := strings.TrimSpace(raw.Address); addr != "" {
			cfg.Address = addr
		}
	}
	if meta.IsDefined("admin_address") {
		cfg.AdminAddress = strings.TrimSpace(raw.AdminAddress)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("session_override") {
		cfg.SessionOverride = raw.SessionOverride
	}
	if meta.IsDefined("relaxed_security") {
		cfg.RelaxedSecurity = raw.RelaxedSecurity
	}
	if meta.IsDefined("allow_insecure") {
		cfg.AllowInsecure = normalizeList(raw.AllowInsecure)
	}
	if meta.IsDefined("deny_insecure") {
		cfg.DenyInsecure = normalizeList(raw.DenyInsecure)
	}
	if meta.IsDefined("default_capabilities_file") {
		capsPath := strings.TrimSpace(raw.DefaultCapabilitiesFile)
		if capsPath != "" && !filepath.IsAbs(capsPath) {
			capsPath = filepath.Join(filepath.Dir(path), capsPath)
		}
		if capsPath != "" {
			loaded, err := LoadCapabilities(capsPath)
			if err != nil {
				return ServerConfig{}, err
			}
			cfg.DefaultCapabilities = loaded
		}
	}
	if meta.IsDefined("default_capabilities") {
		// Inline values win over the file.
		if cfg.DefaultCapabilities == nil {
			cfg.DefaultCapabilities = make(map[string]any, len(raw.DefaultCapabilities))
		}
		for k, v := range raw.DefaultCapabilities {
			cfg.DefaultCapabilities[k] = v
		}
	}
	if meta.IsDefined("vendor_prefix") {
		cfg.VendorPrefix = strings.TrimSpace(raw.VendorPrefix)
	}
	if meta.IsDefined("fake_driver") {
		cfg.FakeDriver = raw.FakeDriver
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeList(raw.CORSOrigins)
	}
	if meta.IsDefined("log", "level") {
		cfg.LogLevel = strings.TrimSpace(raw.Log.Level)
	}

	for i, entry := range raw.Drivers {
		dc := DriverConfig{
			AutomationName: strings.TrimSpace(entry.AutomationName),
			URL:            strings.TrimSpace(entry.URL),
			BasePath:       strings.TrimSpace(entry.BasePath),
			Version:        strings.TrimSpace(entry.Version),
			HealthFailures: entry.HealthFailures,
		}
		if s := strings.TrimSpace(entry.HealthInterval); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return ServerConfig{}, fmt.Errorf("parse drivers[%d].health_interval: %w", i, err)
			}
			dc.HealthInterval = d
		}
		for _, rule := range entry.ProxyAvoid {
			dc.ProxyAvoid = append(dc.ProxyAvoid, driver.AvoidRule{
				Method: strings.ToUpper(strings.TrimSpace(rule.Method)),
				Path:   strings.TrimSpace(rule.Path),
			})
		}
		cfg.Drivers = append(cfg.Drivers, dc)
	}

	if err := Validate(&cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// Validate rejects unusable driver entries and records warnings for
// conflicting security settings. Driver automation names are canonicalized.
func Validate(cfg *ServerConfig) error {
	cfg.Warnings = cfg.Warnings[:0]
	if cfg.RelaxedSecurity && (len(cfg.AllowInsecure) > 0 || len(cfg.DenyInsecure) > 0) {
		cfg.Warnings = append(cfg.Warnings,
			"relaxed_security is enabled; allow_insecure and deny_insecure are ignored")
	} else if len(cfg.AllowInsecure) > 0 && len(cfg.DenyInsecure) > 0 {
		cfg.Warnings = append(cfg.Warnings,
			"both allow_insecure and deny_insecure are set; deny_insecure takes precedence")
	}

	seen := make(map[string]struct{}, len(cfg.Drivers))
	for i := range cfg.Drivers {
		dc := &cfg.Drivers[i]
		info, ok := drivers.Lookup(dc.AutomationName)
		if !ok {
			return fmt.Errorf("%w: drivers[%d] %q", ErrUnknownAutomationName, i, dc.AutomationName)
		}
		dc.AutomationName = info.AutomationName
		key := strings.ToLower(info.AutomationName)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateDriver, info.AutomationName)
		}
		seen[key] = struct{}{}
		if err := validateURL(dc.URL); err != nil {
			return fmt.Errorf("drivers[%d] %s: %w", i, info.AutomationName, err)
		}
		if dc.HealthInterval < 0 {
			return fmt.Errorf("drivers[%d] %s: health_interval must not be negative", i, info.AutomationName)
		}
		if dc.HealthFailures < 0 {
			return fmt.Errorf("drivers[%d] %s: health_failures must not be negative", i, info.AutomationName)
		}
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDriverURL, err)
	}
	if !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: %q", ErrInvalidDriverURL, raw)
	}
	return nil
}

// LoadCapabilities reads a JSON-with-comments file holding one object.
func LoadCapabilities(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read default capabilities %s: %w", path, err)
	}
	return ParseCapabilities(data)
}

// ParseCapabilities strips comments and trailing commas before decoding.
func ParseCapabilities(data []byte) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(jsonc.ToJSON(data), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCapabilities, err)
	}
	if out == nil {
		return nil, ErrInvalidCapabilities
	}
	return out, nil
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
