// Package chaterr defines the error taxonomy shared by the server, the HTTP client
// and the chat session. Every error carries a code of the form "type:surface".
package chaterr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type Type string

const (
	BadRequest   Type = "bad_request"
	Unauthorized Type = "unauthorized"
	Forbidden    Type = "forbidden"
	NotFound     Type = "not_found"
	RateLimit    Type = "rate_limit"
	Offline      Type = "offline"
)

type Surface string

const (
	SurfaceAPI      Surface = "api"
	SurfaceChat     Surface = "chat"
	SurfaceAuth     Surface = "auth"
	SurfaceStream   Surface = "stream"
	SurfaceDatabase Surface = "database"
	SurfaceHistory  Surface = "history"
	SurfaceModel    Surface = "model"
	SurfaceMessage  Surface = "message"
)

// Visibility decides whether the error message may be shown to a user as-is or
// should be replaced by a generic one and only logged.
type Visibility string

const (
	VisibilityResponse Visibility = "response"
	VisibilityLog      Visibility = "log"
)

var visibilityBySurface = map[Surface]Visibility{
	SurfaceDatabase: VisibilityLog,
	SurfaceAPI:      VisibilityResponse,
	SurfaceChat:     VisibilityResponse,
	SurfaceAuth:     VisibilityResponse,
	SurfaceStream:   VisibilityResponse,
	SurfaceHistory:  VisibilityResponse,
	SurfaceModel:    VisibilityResponse,
	SurfaceMessage:  VisibilityResponse,
}

const GenericMessage = "Something went wrong. Please try again later."

type Error struct {
	Type    Type
	Surface Surface
	Cause   string
	err     error
}

func New(t Type, s Surface, cause string) *Error {
	return &Error{Type: t, Surface: s, Cause: cause}
}

// Wrap attaches an underlying error; it stays reachable through errors.Is/As.
func Wrap(t Type, s Surface, err error) *Error {
	cause := ""
	if err != nil {
		cause = err.Error()
	}
	return &Error{Type: t, Surface: s, Cause: cause, err: err}
}

func (e *Error) Code() string {
	return string(e.Type) + ":" + string(e.Surface)
}

func (e *Error) Error() string {
	if e.Cause == "" {
		return e.Code() + ": " + e.Message()
	}
	return e.Code() + ": " + e.Cause
}

func (e *Error) Unwrap() error { return e.err }

// Is matches another *Error by code, so sentinel-style comparisons work.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Type == e.Type && t.Surface == e.Surface
}

func (e *Error) Visibility() Visibility {
	if v, ok := visibilityBySurface[e.Surface]; ok {
		return v
	}
	return VisibilityLog
}

// Message is the human-readable text for the code.
func (e *Error) Message() string {
	switch e.Code() {
	case "bad_request:api":
		return "The request couldn't be processed. Please check your input and try again."
	case "bad_request:model":
		return "The selected model is not available for this provider."
	case "unauthorized:auth":
		return "You need to sign in before continuing."
	case "forbidden:auth":
		return "Your account does not have access to this feature."
	case "rate_limit:chat":
		return "You have sent too many messages. Please wait a moment and try again."
	case "not_found:chat":
		return "The requested chat was not found."
	case "not_found:message":
		return "The requested message was not found."
	case "offline:chat":
		return "You're offline. Please check your internet connection."
	case "bad_request:stream":
		return "The response stream was interrupted. Please try again."
	}
	switch e.Type {
	case NotFound:
		return "The requested resource was not found."
	case BadRequest:
		return "The request couldn't be processed."
	}
	return GenericMessage
}

func (e *Error) StatusCode() int {
	switch e.Type {
	case BadRequest:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case RateLimit:
		return http.StatusTooManyRequests
	case Offline:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Parse rebuilds an error from its wire code. Unknown codes map to bad_request:api.
func Parse(code, cause string) *Error {
	t, s, ok := strings.Cut(code, ":")
	if !ok || t == "" || s == "" {
		return New(BadRequest, SurfaceAPI, cause)
	}
	return New(Type(t), Surface(s), cause)
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsNotFound reports whether err carries a not_found code of any surface.
func IsNotFound(err error) bool {
	e, ok := As(err)
	return ok && e.Type == NotFound
}

type body struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Cause   string `json:"cause,omitempty"`
}

// Write renders err as the JSON error body. Errors outside the taxonomy are
// reported as bad_request:api so clients never see an unclassified failure.
func Write(w http.ResponseWriter, err error) {
	e, ok := As(err)
	if !ok {
		e = Wrap(BadRequest, SurfaceAPI, err)
	}
	resp := body{Code: e.Code(), Message: e.Message()}
	if e.Visibility() == VisibilityResponse {
		resp.Cause = e.Cause
	} else {
		resp.Message = GenericMessage
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode())
	json.NewEncoder(w).Encode(resp)
}

// Decode reads an error body produced by Write. A body that cannot be decoded
// still yields an error describing the status.
func Decode(resp *http.Response) *Error {
	var b body
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil || b.Code == "" {
		return New(BadRequest, SurfaceAPI, fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}
	return Parse(b.Code, b.Cause)
}
