package broker

import "fmt"

// createPhase is the step a session-creation attempt has reached.
type createPhase int

const (
	phaseParsingCapabilities createPhase = iota
	phaseResolvingDriver
	phaseConstructingDriver
	phaseDelegatingCreateSession
	phaseRegistering
	phaseApplyingInitialSettings
	phaseStarted
)

func (p createPhase) String() string {
	switch p {
	case phaseParsingCapabilities:
		return "parsing_capabilities"
	case phaseResolvingDriver:
		return "resolving_driver"
	case phaseConstructingDriver:
		return "constructing_driver"
	case phaseDelegatingCreateSession:
		return "delegating_create_session"
	case phaseRegistering:
		return "registering"
	case phaseApplyingInitialSettings:
		return "applying_initial_settings"
	case phaseStarted:
		return "started"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// createAttempt carries the state of one createSession call.
type createAttempt struct {
	phase      createPhase
	automation string
}

func (a *createAttempt) enter(to createPhase) {
	a.phase = to
}
