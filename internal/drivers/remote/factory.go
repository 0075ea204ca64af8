package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/danmuck/drivergate/internal/driver"
	"github.com/danmuck/drivergate/internal/proxy"
	"github.com/rs/zerolog/log"
)

const unknownVersion = "remote"

var ErrUpstreamUnavailable = errors.New("remote: upstream unavailable")

// Factory builds remote drivers for one configured upstream.
type Factory struct {
	cfg Config
}

// NewFactory validates the upstream address up front so New cannot fail
// on it later.
func NewFactory(cfg Config) (*Factory, error) {
	if _, err := proxy.New(proxy.Config{Server: cfg.URL, BasePath: cfg.BasePath}); err != nil {
		return nil, err
	}
	return &Factory{cfg: cfg}, nil
}

func (f *Factory) Version() string {
	if f.cfg.Version == "" {
		return unknownVersion
	}
	return f.cfg.Version
}

// Load checks that the upstream answers its status endpoint.
func (f *Factory) Load() error {
	p, err := proxy.New(proxy.Config{
		Server:   f.cfg.URL,
		BasePath: f.cfg.BasePath,
		Timeout:  probeTimeout,
		Client:   f.cfg.Client,
		Logger:   f.cfg.Logger,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	if _, err := p.Command(ctx, http.MethodGet, "/status", nil); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUpstreamUnavailable, f.cfg.URL, err)
	}
	return nil
}

func (f *Factory) New(args driver.ServerArgs) driver.Driver {
	d, err := NewDriver(f.cfg, args)
	if err != nil {
		log.Error().Err(err).Str("upstream", f.cfg.URL).Msg("remote.Factory.New")
		return nil
	}
	return d
}
