package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/drivergate/internal/caps"
	"github.com/danmuck/drivergate/internal/driver"
	"github.com/danmuck/drivergate/internal/observability"
	"github.com/danmuck/drivergate/internal/protocol"
	"golang.org/x/sync/errgroup"
)

var (
	ErrDriverData     = errors.New("broker: could not read driver data")
	ErrNilDriver      = errors.New("broker: factory returned no driver")
	ErrEmptySessionID = errors.New("broker: driver returned an empty session id")
)

// DefaultShutdownReason is used when DeleteAllSessions is forced without a
// reason.
const DefaultShutdownReason = "The session was terminated by the server"

// CreateResult is the success value of CreateSession.
type CreateResult struct {
	SessionID    string              `json:"sessionId"`
	Capabilities driver.Capabilities `json:"capabilities"`
	Protocol     protocol.Protocol   `json:"protocol"`
}

// DeleteAllOptions controls DeleteAllSessions.
type DeleteAllOptions struct {
	// Force tears drivers down through their abrupt-shutdown path.
	Force  bool
	Reason string
}

// CreateSession runs the full creation sequence. Every failure is returned
// in the envelope, tagged with the negotiated protocol.
func (b *Broker) CreateSession(ctx context.Context, req driver.CreateRequest) protocol.Envelope {
	attempt := &createAttempt{automation: "unknown"}
	p, result, err := b.createSession(ctx, attempt, req)
	if err != nil {
		b.logger.Error().
			Err(err).
			Str("phase", attempt.phase.String()).
			Str("protocol", p.String()).
			Msg("broker.Broker.CreateSession failed")
		observability.RecordSessionCreated(attempt.automation, false)
		return protocol.Failure(p, err)
	}
	observability.RecordSessionCreated(attempt.automation, true)
	return protocol.Success(p, *result)
}

func (b *Broker) createSession(ctx context.Context, attempt *createAttempt, req driver.CreateRequest) (protocol.Protocol, *CreateResult, error) {
	stripped := caps.StripSettings(req)
	resolved, err := b.resolver.Resolve(stripped.Request)
	p := resolved.Protocol
	if err != nil {
		return p, nil, err
	}

	attempt.enter(phaseResolvingDriver)
	sel, err := b.drivers.SelectDriver(resolved.DesiredCaps)
	if err != nil {
		return p, nil, err
	}
	attempt.automation = sel.AutomationName
	b.logger.Info().
		Str("driver", sel.DriverName).
		Str("version", sel.Version).
		Msgf("broker.Broker.CreateSession creating new %s (v%s) session", sel.DriverName, sel.Version)

	if b.cfg.SessionOverride {
		if n := b.sessions.Len(); n > 0 {
			b.logger.Info().
				Int("sessions", n).
				Msg("broker.Broker.CreateSession session override is on, deleting other active sessions")
			b.DeleteAllSessions(ctx, DeleteAllOptions{})
		}
	}

	attempt.enter(phaseConstructingDriver)
	d := sel.Factory.New(b.serverArgs(sel.AutomationName))
	if d == nil {
		return p, nil, protocol.Wrap(protocol.KindSessionNotCreated, ErrNilDriver)
	}
	d.SetSecurityPolicy(b.cfg.Security.Clone())

	attempt.enter(phaseDelegatingCreateSession)
	token := b.sessions.AddPending(sel.DriverName, d)
	defer b.sessions.RemovePending(token)
	innerReq := driver.CreateRequest{
		JSONWPCaps: resolved.ProcessedJSONWPCaps,
		ReqCaps:    stripped.Request.ReqCaps,
		W3CCaps:    resolved.ProcessedW3CCaps,
	}
	id, matched, err := b.delegateCreate(ctx, d, sel.DriverName, token, innerReq)
	if err != nil {
		return p, nil, sessionNotCreated(err)
	}
	if id == "" {
		return p, nil, protocol.Wrap(protocol.KindSessionNotCreated, ErrEmptySessionID)
	}

	attempt.enter(phaseRegistering)
	sess := newSession(id, p, d, sel, matched)
	sig, watched := driver.SignalFor(d)
	if watched {
		sess.signal = sig
	} else {
		b.logger.Warn().
			Str("session_id", id).
			Str("driver", sel.DriverName).
			Msg("broker.Broker.CreateSession driver exposes no unexpected-shutdown notification; a silent crash will leave the session registered")
	}
	if err := b.sessions.Promote(token, sess); err != nil {
		b.abandonDriver(ctx, d, id)
		return p, nil, protocol.Wrap(protocol.KindSessionNotCreated, err)
	}
	observability.SetSessionsActive(b.sessions.Len())
	if watched {
		go b.watchShutdown(sess, sig)
	}
	d.StartNewCommandTimeout()

	attempt.enter(phaseApplyingInitialSettings)
	if settings := stripped.SettingsFor(p); len(settings) > 0 {
		b.logger.Info().
			Str("session_id", id).
			Int("settings", len(settings)).
			Msg("broker.Broker.CreateSession applying initial settings")
		if err := d.UpdateSettings(ctx, settings); err != nil {
			b.deleteSession(ctx, id, observability.DeleteReasonSweep)
			return p, nil, err
		}
	}

	attempt.enter(phaseStarted)
	b.logger.Info().
		Str("session_id", id).
		Str("driver", sel.DriverName).
		Str("protocol", p.String()).
		Msg("broker.Broker.CreateSession session started")
	return p, &CreateResult{SessionID: id, Capabilities: matched, Protocol: p}, nil
}

// delegateCreate calls into the driver while its pending entry is visible to
// sibling constructions. Drivers that arbitrate shared resources get a live
// view of their siblings; everyone else gets the snapshot taken here.
func (b *Broker) delegateCreate(
	ctx context.Context,
	d driver.Driver,
	driverName string,
	token string,
	req driver.CreateRequest,
) (string, driver.Capabilities, error) {
	others, err := b.siblingData(driverName, token)
	if err != nil {
		return "", nil, protocol.Wrap(protocol.KindSessionNotCreated, err)
	}
	if aware, ok := d.(driver.SiblingAware); ok {
		aware.SetSiblingView(func() []driver.DriverData {
			data, err := b.siblingData(driverName, token)
			if err != nil {
				b.logger.Warn().
					Err(err).
					Str("driver", driverName).
					Msg("broker.Broker.CreateSession skipped unreadable sibling driver data")
			}
			return data
		})
	}
	return d.CreateSession(ctx, req, others)
}

// siblingData reads the current DriverData of every running or pending
// sibling outside any registry lock. Unreadable siblings are skipped and the
// first failure is returned alongside the rest.
func (b *Broker) siblingData(driverName, token string) ([]driver.DriverData, error) {
	siblings := b.sessions.Siblings(driverName, token)
	out := make([]driver.DriverData, 0, len(siblings))
	var firstErr error
	for _, d := range siblings {
		data, err := driverData(d)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, data)
	}
	return out, firstErr
}

func (b *Broker) abandonDriver(ctx context.Context, d driver.Driver, id string) {
	if err := d.DeleteSession(ctx, id, nil); err != nil {
		b.logger.Warn().
			Err(err).
			Str("session_id", id).
			Msg("broker.Broker.abandonDriver inner delete failed")
	}
}

// DeleteSession removes the session before the inner delete runs. An unknown
// id is a successful no-op.
func (b *Broker) DeleteSession(ctx context.Context, sessionID string) protocol.Envelope {
	return b.deleteSession(ctx, sessionID, observability.DeleteReasonClient)
}

func (b *Broker) deleteSession(ctx context.Context, sessionID, reason string) protocol.Envelope {
	sess, siblings, ok := b.sessions.Take(sessionID)
	if !ok {
		b.logger.Debug().
			Str("session_id", sessionID).
			Msg("broker.Broker.DeleteSession unknown session, nothing to delete")
		return protocol.Success(protocol.ProtocolNone, nil)
	}
	sess.release()
	observability.RecordSessionDeleted(reason)
	observability.SetSessionsActive(b.sessions.Len())

	others, err := collectDriverData(siblings)
	if err != nil {
		b.logger.Warn().
			Err(err).
			Str("session_id", sessionID).
			Msg("broker.Broker.DeleteSession sibling driver data unavailable")
		others = nil
	}

	if err := sess.Driver.DeleteSession(ctx, sessionID, others); err != nil {
		b.logger.Error().
			Err(err).
			Str("session_id", sessionID).
			Str("driver", sess.DriverName).
			Msg("broker.Broker.DeleteSession inner delete failed")
		return protocol.Failure(sess.Protocol, err)
	}
	b.logger.Info().
		Str("session_id", sessionID).
		Str("driver", sess.DriverName).
		Msg("broker.Broker.DeleteSession session removed")
	return protocol.Success(sess.Protocol, nil)
}

// DeleteAllSessions tears every session down concurrently. Per-session
// failures are logged and never stop the sweep.
func (b *Broker) DeleteAllSessions(ctx context.Context, opts DeleteAllOptions) {
	list := b.sessions.List()
	if len(list) == 0 {
		return
	}
	reason := opts.Reason
	if reason == "" {
		reason = DefaultShutdownReason
	}
	b.logger.Info().
		Int("sessions", len(list)).
		Bool("force", opts.Force).
		Str("reason", reason).
		Msg("broker.Broker.DeleteAllSessions closing sessions")

	var g errgroup.Group
	for _, sess := range list {
		sess := sess
		g.Go(func() error {
			if opts.Force {
				return b.forceShutdown(ctx, sess, errors.New(reason))
			}
			env := b.deleteSession(ctx, sess.ID, observability.DeleteReasonSweep)
			if env.Failed() {
				return fmt.Errorf("%s: %w", sess.ID, env.Err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		b.logger.Warn().
			Err(err).
			Msg("broker.Broker.DeleteAllSessions some sessions did not close cleanly")
	}
}

func (b *Broker) forceShutdown(ctx context.Context, sess *Session, cause error) error {
	if !b.sessions.removeExact(sess) {
		return nil
	}
	sess.release()
	observability.RecordSessionDeleted(observability.DeleteReasonForced)
	observability.SetSessionsActive(b.sessions.Len())

	if err := sess.Driver.StartUnexpectedShutdown(ctx, cause); err != nil {
		b.logger.Error().
			Err(err).
			Str("session_id", sess.ID).
			Msg("broker.Broker.DeleteAllSessions forced shutdown failed")
		return fmt.Errorf("%s: %w", sess.ID, err)
	}
	return nil
}

// watchShutdown removes sess once its driver reports an unexpected shutdown.
// It exits without effect when the session is released first.
func (b *Broker) watchShutdown(sess *Session, sig *driver.ShutdownSignal) {
	select {
	case <-sess.stop:
		return
	case <-sig.Done():
	}
	if sig.Cancelled() {
		return
	}
	cause := sig.Cause()
	b.logger.Warn().
		Err(cause).
		Str("session_id", sess.ID).
		Str("driver", sess.DriverName).
		Msg("broker.Broker.watchShutdown session ended unexpectedly, closing it")
	if b.sessions.removeExact(sess) {
		sess.release()
		observability.RecordSessionDeleted(observability.DeleteReasonShutdown)
		observability.SetSessionsActive(b.sessions.Len())
	}
}

// collectDriverData reads each session's arbitration snapshot outside any
// registry lock.
func collectDriverData(sessions []*Session) ([]driver.DriverData, error) {
	out := make([]driver.DriverData, 0, len(sessions))
	for _, sess := range sessions {
		data, err := driverData(sess.Driver)
		if err != nil {
			return nil, fmt.Errorf("%w: session %s", err, sess.ID)
		}
		out = append(out, data)
	}
	return out, nil
}

// driverData converts a panicking DriverData implementation into an error.
func driverData(d driver.Driver) (data driver.DriverData, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrDriverData, r)
		}
	}()
	return d.DriverData(), nil
}

// sessionNotCreated classifies inner create failures that carry no kind.
func sessionNotCreated(err error) error {
	var k interface{ ErrorKind() protocol.Kind }
	if errors.As(err, &k) {
		return err
	}
	return protocol.Wrap(protocol.KindSessionNotCreated, err)
}
