package observability

import (
	"github.com/danmuck/drivergate/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures the process logger from cfg and tags it with app.
func InitLogger(app string, cfg logging.Config) zerolog.Logger {
	logger := logging.Apply(cfg).With().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
