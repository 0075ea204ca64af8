package driver

import (
	"errors"
	"sync"
)

var ErrShutdownCancelled = errors.New("driver: unexpected shutdown cancelled")

// ShutdownSignal is a one-shot notification that a driver went away on its
// own. It resolves exactly once, either triggered with a cause or cancelled.
type ShutdownSignal struct {
	once      sync.Once
	done      chan struct{}
	cause     error
	cancelled bool
}

func NewShutdownSignal() *ShutdownSignal {
	return &ShutdownSignal{done: make(chan struct{})}
}

// Trigger resolves the signal with cause. It reports whether this call won.
func (s *ShutdownSignal) Trigger(cause error) bool {
	fired := false
	s.once.Do(func() {
		if cause == nil {
			cause = errors.New("driver: unexpected shutdown")
		}
		s.cause = cause
		close(s.done)
		fired = true
	})
	return fired
}

// Cancel resolves the signal without a shutdown, e.g. after a normal delete.
func (s *ShutdownSignal) Cancel() bool {
	fired := false
	s.once.Do(func() {
		s.cancelled = true
		s.cause = ErrShutdownCancelled
		close(s.done)
		fired = true
	})
	return fired
}

func (s *ShutdownSignal) Done() <-chan struct{} {
	return s.done
}

// Cause is valid once Done is closed.
func (s *ShutdownSignal) Cause() error {
	select {
	case <-s.done:
		return s.cause
	default:
		return nil
	}
}

// Cancelled is valid once Done is closed.
func (s *ShutdownSignal) Cancelled() bool {
	select {
	case <-s.done:
		return s.cancelled
	default:
		return false
	}
}

// AdaptCallback bridges a callback-registration driver onto a signal.
func AdaptCallback(r ShutdownCallbackRegistrar) *ShutdownSignal {
	sig := NewShutdownSignal()
	r.OnUnexpectedShutdown(func(cause error) {
		sig.Trigger(cause)
	})
	return sig
}

// SignalFor returns the driver's shutdown signal under whichever contract it
// implements, or false when it implements neither.
func SignalFor(d Driver) (*ShutdownSignal, bool) {
	switch v := d.(type) {
	case ShutdownNotifier:
		sig := v.UnexpectedShutdown()
		return sig, sig != nil
	case ShutdownCallbackRegistrar:
		return AdaptCallback(v), true
	default:
		return nil, false
	}
}
