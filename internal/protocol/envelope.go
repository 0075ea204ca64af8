package protocol

// Envelope is the only return shape of session creation, deletion and
// command execution. At most one of Value and Err is set.
type Envelope struct {
	Protocol Protocol
	Value    any
	Err      error
}

// Success wraps a command result.
func Success(p Protocol, value any) Envelope {
	return Envelope{Protocol: p, Value: value}
}

// Failure wraps err; a nil err becomes an unknown error.
func Failure(p Protocol, err error) Envelope {
	if err == nil {
		err = New(KindUnknownError, "")
	}
	return Envelope{Protocol: p, Err: err}
}

// Failed reports whether the envelope carries an error.
func (e Envelope) Failed() bool {
	return e.Err != nil
}

// Response renders the envelope error in the envelope's own dialect.
// It must only be called on failed envelopes.
func (e Envelope) Response() Response {
	return ToResponse(e.Protocol, e.Err)
}
