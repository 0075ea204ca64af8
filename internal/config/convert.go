package config

import (
	"github.com/danmuck/drivergate/internal/drivers/remote"
	"github.com/rs/zerolog"
)

// RemoteConfigs maps [[drivers]] entries onto remote driver configs.
func RemoteConfigs(entries []DriverConfig, logger *zerolog.Logger) []remote.Config {
	out := make([]remote.Config, 0, len(entries))
	for _, entry := range entries {
		out = append(out, remote.Config{
			AutomationName: entry.AutomationName,
			URL:            entry.URL,
			BasePath:       entry.BasePath,
			Version:        entry.Version,
			HealthInterval: entry.HealthInterval,
			HealthFailures: entry.HealthFailures,
			ProxyAvoid:     append(entry.ProxyAvoid[:0:0], entry.ProxyAvoid...),
			Logger:         logger,
		})
	}
	return out
}
