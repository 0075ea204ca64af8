package fake

import (
	"slices"
	"sync"

	"github.com/danmuck/drivergate/internal/driver"
)

// Notifying exposes the one-shot signal contract.
type Notifying struct {
	*Driver
	signal *driver.ShutdownSignal
}

func (n *Notifying) UnexpectedShutdown() *driver.ShutdownSignal {
	return n.signal
}

// Callback exposes the callback-registration contract.
type Callback struct {
	*Driver
	mu        sync.Mutex
	callbacks []func(error)
}

func (c *Callback) OnUnexpectedShutdown(fn func(cause error)) {
	c.mu.Lock()
	c.callbacks = append(c.callbacks, fn)
	c.mu.Unlock()
}

func (c *Callback) fire(cause error) {
	c.mu.Lock()
	callbacks := slices.Clone(c.callbacks)
	c.mu.Unlock()
	for _, fn := range callbacks {
		fn(cause)
	}
}

// Factory builds fake drivers and keeps every instance for inspection.
type Factory struct {
	opts Options

	claim sync.Mutex
	mu    sync.Mutex
	built []*Driver
}

func NewFactory(opts Options) *Factory {
	if opts.Version == "" {
		opts.Version = Version
	}
	return &Factory{opts: opts}
}

func (f *Factory) Version() string {
	return f.opts.Version
}

func (f *Factory) New(args driver.ServerArgs) driver.Driver {
	d := newDriver(args, f.opts, &f.claim)
	f.mu.Lock()
	f.built = append(f.built, d)
	f.mu.Unlock()

	switch f.opts.Shutdown {
	case ShutdownCallback:
		c := &Callback{Driver: d}
		d.onCrash = c.fire
		return c
	case ShutdownNone:
		return d
	default:
		n := &Notifying{Driver: d, signal: driver.NewShutdownSignal()}
		d.onCrash = func(cause error) { n.signal.Trigger(cause) }
		return n
	}
}

// Built returns the drivers constructed so far, oldest first.
func (f *Factory) Built() []*Driver {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Driver(nil), f.built...)
}

// BySession finds the built driver that owns sessionID.
func (f *Factory) BySession(sessionID string) (*Driver, bool) {
	for _, d := range f.Built() {
		if d.SessionID() == sessionID {
			return d, true
		}
	}
	return nil, false
}
