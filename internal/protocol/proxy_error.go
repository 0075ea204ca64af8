package protocol

import (
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// ProxyRequestError wraps a failed call to an upstream automation server.
// The upstream body is kept so the real failure can be reclassified through
// the same kind table as a local failure.
type ProxyRequestError struct {
	Message    string
	HTTPStatus int

	// Exactly one of these is populated when the body parsed.
	W3C    *W3CErrorValue
	JSONWP *JSONWPProxyBody
}

// JSONWPProxyBody is the legacy {status, value} body of a proxied response.
type JSONWPProxyBody struct {
	Status    int64
	HasStatus bool
	Value     any
}

// NewProxyRequestError inspects the raw upstream body. A W3C body is one
// whose value is an object carrying an "error" key; anything else parsed as
// JSON is treated as a legacy body.
func NewProxyRequestError(message string, body []byte, httpStatus int) *ProxyRequestError {
	raw := strings.TrimSpace(string(body))
	parsed := gjson.ParseBytes(body)

	origMessage := raw
	isObject := gjson.ValidBytes(body) && parsed.IsObject()
	if isObject {
		origMessage = ""
		value := parsed.Get("value")
		switch {
		case value.Type == gjson.String:
			origMessage = value.String()
		case value.IsObject() && value.Get("message").Type == gjson.String:
			origMessage = value.Get("message").String()
		}
	}
	if strings.TrimSpace(message) == "" {
		message = strings.TrimSpace("Proxy request unsuccessful. " + origMessage)
	}

	e := &ProxyRequestError{Message: message, HTTPStatus: http.StatusBadRequest}
	if !isObject {
		return e
	}

	value := parsed.Get("value")
	if value.IsObject() && value.Get("error").Exists() {
		e.W3C = &W3CErrorValue{
			Error:      value.Get("error").String(),
			Message:    value.Get("message").String(),
			Stacktrace: value.Get("stacktrace").String(),
		}
		if httpStatus != 0 {
			e.HTTPStatus = httpStatus
		}
		return e
	}

	status := parsed.Get("status")
	e.JSONWP = &JSONWPProxyBody{
		Status:    status.Int(),
		HasStatus: status.Exists() && status.Type == gjson.Number,
		Value:     value.Value(),
	}
	return e
}

func (e *ProxyRequestError) Error() string {
	return e.Message
}

func (e *ProxyRequestError) ErrorKind() Kind {
	return KindProxyRequest
}

// ActualError returns the failure the upstream reported, classified through
// the kind table. Bodies that carry neither shape become UnknownError.
func (e *ProxyRequestError) ActualError() *Error {
	if e.JSONWP != nil && e.JSONWP.HasStatus && e.JSONWP.Value != nil {
		return FromJSONWPCode(int(e.JSONWP.Status), e.JSONWP.Value)
	}
	if e.W3C != nil && e.HTTPStatus >= 300 {
		message := e.W3C.Message
		if message == "" {
			message = e.Message
		}
		return FromW3CCode(e.W3C.Error, message, e.W3C.Stacktrace)
	}
	return New(KindUnknownError, e.Message)
}
