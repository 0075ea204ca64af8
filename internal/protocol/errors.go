package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind tags every error the gateway can put on the wire.
type Kind int

// Lookup by JSONWP code or W3C string prefers the earliest kind declared
// here, so canonical kinds precede their aliases.
const (
	KindUnknownError Kind = iota
	KindNoSuchDriver
	KindNoSuchElement
	KindNoSuchFrame
	KindUnknownCommand
	KindStaleElementReference
	KindElementNotVisible
	KindInvalidElementState
	KindElementIsNotSelectable
	KindJavaScriptError
	KindInvalidSelector
	KindXPathLookupError
	KindTimeout
	KindNoSuchWindow
	KindInvalidCookieDomain
	KindUnableToSetCookie
	KindUnexpectedAlertOpen
	KindNoSuchAlert
	KindNoAlertOpen
	KindScriptTimeout
	KindInvalidElementCoordinates
	KindUnsupportedOperation
	KindIMENotAvailable
	KindIMEEngineActivationFailed
	KindSessionNotCreated
	KindMoveTargetOutOfBounds
	KindNoSuchContext
	KindInvalidContext
	KindUnknownMethod
	KindNotYetImplemented
	KindNotImplemented
	KindUnableToCaptureScreen
	KindElementNotInteractable
	KindInvalidArgument
	KindNoSuchCookie
	KindElementClickIntercepted
	KindInsecureCertificate
	KindBadParameters
	KindProxyRequest

	kindCount
)

// noJSONWPCode marks kinds that have no legacy status code.
const noJSONWPCode = -1

type kindInfo struct {
	name       string
	jsonwpCode int
	w3c        string
	httpStatus int
	message    string
}

var kindTable = [kindCount]kindInfo{
	KindUnknownError: {"UnknownError", 13, "unknown error", http.StatusInternalServerError,
		"An unknown server-side error occurred while processing the command."},
	KindNoSuchDriver: {"NoSuchDriver", 6, "invalid session id", http.StatusNotFound,
		"A session is either terminated or not started"},
	KindNoSuchElement: {"NoSuchElement", 7, "no such element", http.StatusNotFound,
		"An element could not be located on the page using the given search parameters."},
	KindNoSuchFrame: {"NoSuchFrame", 8, "no such frame", http.StatusNotFound,
		"A request to switch to a frame could not be satisfied because the frame could not be found."},
	KindUnknownCommand: {"UnknownCommand", 9, "unknown command", http.StatusNotFound,
		"The requested resource could not be found, or a request was received using an HTTP method that is not supported by the mapped resource."},
	KindStaleElementReference: {"StaleElementReference", 10, "stale element reference", http.StatusNotFound,
		"An element command failed because the referenced element is no longer attached to the DOM."},
	KindElementNotVisible: {"ElementNotVisible", 11, "element not visible", http.StatusBadRequest,
		"An element command could not be completed because the element is not visible on the page."},
	KindInvalidElementState: {"InvalidElementState", 12, "invalid element state", http.StatusBadRequest,
		"An element command could not be completed because the element is in an invalid state (e.g. attempting to click a disabled element)."},
	KindElementIsNotSelectable: {"ElementIsNotSelectable", 15, "element not selectable", http.StatusBadRequest,
		"An attempt was made to select an element that cannot be selected."},
	KindJavaScriptError: {"JavaScriptError", 17, "javascript error", http.StatusInternalServerError,
		"An error occurred while executing user supplied JavaScript."},
	KindInvalidSelector: {"InvalidSelector", 32, "invalid selector", http.StatusBadRequest,
		"Argument was an invalid selector (e.g. XPath/CSS)."},
	KindXPathLookupError: {"XPathLookupError", 19, "invalid selector", http.StatusBadRequest,
		"An error occurred while searching for an element by XPath."},
	KindTimeout: {"Timeout", 21, "timeout", http.StatusRequestTimeout,
		"An operation did not complete before its timeout expired."},
	KindNoSuchWindow: {"NoSuchWindow", 23, "no such window", http.StatusNotFound,
		"A request to switch to a different window could not be satisfied because the window could not be found."},
	KindInvalidCookieDomain: {"InvalidCookieDomain", 24, "invalid cookie domain", http.StatusBadRequest,
		"An illegal attempt was made to set a cookie under a different domain than the current page."},
	KindUnableToSetCookie: {"UnableToSetCookie", 25, "unable to set cookie", http.StatusInternalServerError,
		"A request to set a cookie's value could not be satisfied."},
	KindUnexpectedAlertOpen: {"UnexpectedAlertOpen", 26, "unexpected alert open", http.StatusInternalServerError,
		"A modal dialog was open, blocking this operation"},
	KindNoSuchAlert: {"NoSuchAlert", 27, "no such alert", http.StatusNotFound,
		"An attempt was made to operate on a modal dialog when one was not open."},
	KindNoAlertOpen: {"NoAlertOpen", 27, "no such alert", http.StatusNotFound,
		"An attempt was made to operate on a modal dialog when one was not open."},
	KindScriptTimeout: {"ScriptTimeout", 28, "script timeout", http.StatusRequestTimeout,
		"A script did not complete before its timeout expired."},
	KindInvalidElementCoordinates: {"InvalidElementCoordinates", 29, "invalid coordinates", http.StatusBadRequest,
		"The coordinates provided to an interactions operation are invalid."},
	KindUnsupportedOperation: {"UnsupportedOperation", 405, "unsupported operation", http.StatusInternalServerError,
		"A server-side error occurred. Command cannot be supported."},
	KindIMENotAvailable: {"IMENotAvailable", 30, "unsupported operation", http.StatusInternalServerError,
		"IME was not available."},
	KindIMEEngineActivationFailed: {"IMEEngineActivationFailed", 31, "unsupported operation", http.StatusInternalServerError,
		"An IME engine could not be started."},
	KindSessionNotCreated: {"SessionNotCreated", 33, "session not created", http.StatusInternalServerError,
		"A new session could not be created."},
	KindMoveTargetOutOfBounds: {"MoveTargetOutOfBounds", 34, "move target out of bounds", http.StatusInternalServerError,
		"Target provided for a move action is out of bounds."},
	KindNoSuchContext: {"NoSuchContext", 35, "no such context", http.StatusBadRequest,
		"No such context found."},
	KindInvalidContext: {"InvalidContext", 36, "invalid context", http.StatusBadRequest,
		"That command could not be executed in the current context."},
	KindUnknownMethod: {"UnknownMethod", 405, "unknown method", http.StatusMethodNotAllowed,
		"The requested command matched a known URL but did not match an method for that URL"},
	KindNotYetImplemented: {"NotYetImplemented", 13, "unknown method", http.StatusMethodNotAllowed,
		"Method has not yet been implemented"},
	KindNotImplemented: {"NotImplemented", 13, "unknown method", http.StatusMethodNotAllowed,
		"Method is not implemented"},
	KindUnableToCaptureScreen: {"UnableToCaptureScreen", 63, "unable to capture screen", http.StatusInternalServerError,
		"A screen capture was made impossible"},
	KindElementNotInteractable: {"ElementNotInteractable", 60, "element not interactable", http.StatusBadRequest,
		"A command could not be completed because the element is not pointer- or keyboard interactable"},
	KindInvalidArgument: {"InvalidArgument", 61, "invalid argument", http.StatusBadRequest,
		"The arguments passed to the command are either invalid or malformed"},
	KindNoSuchCookie: {"NoSuchCookie", 62, "no such cookie", http.StatusNotFound,
		"No cookie matching the given path name was found amongst the associated cookies of the current browsing context's active document"},
	KindElementClickIntercepted: {"ElementClickIntercepted", 64, "element click intercepted", http.StatusBadRequest,
		"The Element Click command could not be completed because the element receiving the events is obscuring the element that was requested clicked"},
	KindInsecureCertificate: {"InsecureCertificate", noJSONWPCode, "insecure certificate", http.StatusBadRequest,
		"Navigation caused the user agent to hit a certificate warning, which is usually the result of an expired or invalid TLS certificate"},
	KindBadParameters: {"BadParameters", noJSONWPCode, "invalid argument", http.StatusBadRequest,
		"Parameters were incorrect."},
	KindProxyRequest: {"ProxyRequestError", noJSONWPCode, "unknown error", http.StatusBadRequest,
		"Proxy request unsuccessful."},
}

var (
	byJSONWPCode = map[int]Kind{}
	byW3CError   = map[string]Kind{}
)

func init() {
	for k := Kind(0); k < kindCount; k++ {
		info := kindTable[k]
		if info.jsonwpCode != noJSONWPCode {
			if _, ok := byJSONWPCode[info.jsonwpCode]; !ok {
				byJSONWPCode[info.jsonwpCode] = k
			}
		}
		if _, ok := byW3CError[info.w3c]; !ok {
			byW3CError[info.w3c] = k
		}
	}
}

func (k Kind) valid() bool {
	return k >= 0 && k < kindCount
}

func (k Kind) info() kindInfo {
	if !k.valid() {
		return kindTable[KindUnknownError]
	}
	return kindTable[k]
}

func (k Kind) String() string {
	if !k.valid() {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindTable[k].name
}

// JSONWPCode returns the legacy status code and whether the kind has one.
func (k Kind) JSONWPCode() (int, bool) {
	code := k.info().jsonwpCode
	return code, code != noJSONWPCode
}

// W3CError returns the W3C error string for the kind.
func (k Kind) W3CError() string {
	return k.info().w3c
}

// HTTPStatus returns the W3C HTTP status for the kind.
func (k Kind) HTTPStatus() int {
	return k.info().httpStatus
}

// DefaultMessage is used when an error is raised without its own message.
func (k Kind) DefaultMessage() string {
	return k.info().message
}

// Kinds lists every known kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, 0, kindCount)
	for k := Kind(0); k < kindCount; k++ {
		out = append(out, k)
	}
	return out
}

// Error is a classified gateway error.
type Error struct {
	Kind       Kind
	Message    string
	Stacktrace string
	Err        error
}

// New builds a classified error, falling back to the kind's default message.
func New(kind Kind, message string) *Error {
	if !kind.valid() {
		kind = KindUnknownError
	}
	if message == "" {
		message = kind.DefaultMessage()
	}
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap classifies err under kind while keeping it reachable via errors.Unwrap.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	e := New(kind, err.Error())
	e.Err = err
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorKind implements the classification hook used by IsKind.
func (e *Error) ErrorKind() Kind {
	return e.Kind
}

// JSONWPCode returns the legacy status code, substituting UnknownError's
// code for kinds that have none.
func (e *Error) JSONWPCode() int {
	if code, ok := e.Kind.JSONWPCode(); ok {
		return code
	}
	code, _ := KindUnknownError.JSONWPCode()
	return code
}

func (e *Error) W3CError() string {
	return e.Kind.W3CError()
}

func (e *Error) HTTPStatus() int {
	return e.Kind.HTTPStatus()
}

type kinded interface {
	error
	ErrorKind() Kind
}

// IsKind reports whether the first classified error in err's chain has kind.
func IsKind(err error, kind Kind) bool {
	var k kinded
	if !errors.As(err, &k) {
		return false
	}
	return k.ErrorKind() == kind
}

// KindOf returns the classification of err; unclassified errors are
// UnknownError.
func KindOf(err error) Kind {
	var k kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	return KindUnknownError
}

// AsError coerces any error into a classified one. Proxied failures are
// replaced by the error they actually carry.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var k kinded
	if errors.As(err, &k) {
		switch e := k.(type) {
		case *ProxyRequestError:
			return e.ActualError()
		case *Error:
			return e
		}
	}
	return Wrap(KindUnknownError, err)
}
