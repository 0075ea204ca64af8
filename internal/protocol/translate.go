package protocol

import (
	"net/http"
	"strings"
)

// Response is an HTTP status plus the JSON-ready body to send.
type Response struct {
	HTTPStatus int
	Body       any
}

type W3CErrorValue struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	Stacktrace string `json:"stacktrace"`
}

type W3CErrorBody struct {
	Value W3CErrorValue `json:"value"`
}

type JSONWPErrorValue struct {
	Message string `json:"message"`
}

type JSONWPErrorBody struct {
	Status int              `json:"status"`
	Value  JSONWPErrorValue `json:"value"`
}

// FromJSONWPCode classifies a legacy status code. Unknown codes degrade to
// UnknownError but keep the original message.
func FromJSONWPCode(code int, value any) *Error {
	message := jsonwpMessage(value)
	if kind, ok := byJSONWPCode[code]; ok && kind != KindUnknownError {
		return New(kind, message)
	}
	return New(KindUnknownError, message)
}

// FromW3CCode classifies a W3C error string, case-insensitively.
func FromW3CCode(code, message, stacktrace string) *Error {
	kind, ok := byW3CError[strings.ToLower(strings.TrimSpace(code))]
	if !ok {
		kind = KindUnknownError
	}
	e := New(kind, message)
	e.Stacktrace = stacktrace
	return e
}

func jsonwpMessage(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case map[string]any:
		if msg, ok := v["message"].(string); ok {
			return msg
		}
	}
	return ""
}

// ToW3CResponse renders err for a W3C client. BadParameters is always an
// "invalid argument" with HTTP 400.
func ToW3CResponse(err error) Response {
	e := AsError(err)
	if e == nil {
		e = New(KindUnknownError, "")
	}

	status := e.HTTPStatus()
	code := e.W3CError()
	if e.Kind == KindBadParameters {
		status = http.StatusBadRequest
		code = "invalid argument"
	}
	if code == "" {
		code = KindUnknownError.W3CError()
	}
	return Response{
		HTTPStatus: status,
		Body: W3CErrorBody{Value: W3CErrorValue{
			Error:      code,
			Message:    e.Message,
			Stacktrace: e.Stacktrace,
		}},
	}
}

// ToJSONWPResponse renders err for a legacy client. Unimplemented commands,
// missing sessions and malformed requests get a plain message body with a
// fixed HTTP status; everything else is a {status, value} body with 500.
func ToJSONWPResponse(err error) Response {
	e := AsError(err)
	if e == nil {
		e = New(KindUnknownError, "")
	}

	switch e.Kind {
	case KindNotYetImplemented, KindNotImplemented:
		return Response{HTTPStatus: http.StatusNotImplemented, Body: e.Message}
	case KindNoSuchDriver:
		return Response{HTTPStatus: http.StatusNotFound, Body: e.Message}
	case KindBadParameters:
		return Response{HTTPStatus: http.StatusBadRequest, Body: e.Message}
	}
	return Response{
		HTTPStatus: http.StatusInternalServerError,
		Body: JSONWPErrorBody{
			Status: e.JSONWPCode(),
			Value:  JSONWPErrorValue{Message: e.Message},
		},
	}
}

// ToResponse renders err in the dialect of p. An unset protocol is treated
// as W3C.
func ToResponse(p Protocol, err error) Response {
	if p.IsJSONWP() {
		return ToJSONWPResponse(err)
	}
	return ToW3CResponse(err)
}

// SuccessBody shapes a successful command value for p.
func SuccessBody(p Protocol, sessionID string, value any) map[string]any {
	if p.IsJSONWP() {
		var sid any
		if sessionID != "" {
			sid = sessionID
		}
		return map[string]any{"status": 0, "value": value, "sessionId": sid}
	}
	return map[string]any{"value": value}
}
