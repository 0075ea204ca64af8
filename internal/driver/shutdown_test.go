package driver

import (
	"errors"
	"testing"

	"github.com/danmuck/drivergate/internal/testutil/testlog"
)

func TestShutdownSignalFiresOnce(t *testing.T) {
	testlog.Start(t)
	sig := NewShutdownSignal()
	if sig.Cause() != nil || sig.Cancelled() {
		t.Fatalf("unresolved signal should report nothing")
	}
	cause := errors.New("crashed")
	if !sig.Trigger(cause) {
		t.Fatalf("first trigger should win")
	}
	if sig.Trigger(errors.New("again")) || sig.Cancel() {
		t.Fatalf("signal should resolve only once")
	}
	<-sig.Done()
	if !errors.Is(sig.Cause(), cause) || sig.Cancelled() {
		t.Fatalf("unexpected resolution: cause=%v cancelled=%v", sig.Cause(), sig.Cancelled())
	}
}

func TestShutdownSignalCancel(t *testing.T) {
	testlog.Start(t)
	sig := NewShutdownSignal()
	if !sig.Cancel() {
		t.Fatalf("cancel should win")
	}
	if !sig.Cancelled() || !errors.Is(sig.Cause(), ErrShutdownCancelled) {
		t.Fatalf("unexpected resolution: cause=%v", sig.Cause())
	}
}

type callbackDriver struct {
	Driver
	fn func(error)
}

func (d *callbackDriver) OnUnexpectedShutdown(fn func(error)) {
	d.fn = fn
}

func TestSignalForAdaptsCallbackDrivers(t *testing.T) {
	testlog.Start(t)
	d := &callbackDriver{}
	sig, ok := SignalFor(d)
	if !ok {
		t.Fatalf("callback drivers should be adapted")
	}
	d.fn(errors.New("gone"))
	<-sig.Done()
	if sig.Cause() == nil || sig.Cause().Error() != "gone" {
		t.Fatalf("unexpected cause: %v", sig.Cause())
	}

	type bare struct{ Driver }
	if _, ok := SignalFor(bare{}); ok {
		t.Fatalf("drivers without a shutdown contract should not yield a signal")
	}
}
