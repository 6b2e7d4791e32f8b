// Package apperr defines the error taxonomy shared by the telehealth domain
// packages and its mapping onto HTTP responses.
package apperr

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Kind classifies an error by what the caller should do about it.
type Kind int

const (
	KindInternal Kind = iota
	// KindValidation: malformed or missing input. Never retried.
	KindValidation
	// KindStateConflict: the operation is illegal for the entity's current state.
	KindStateConflict
	// KindResourceBusy: a contended resource is held; retry once it frees.
	KindResourceBusy
	KindNotFound
	// KindExpired: token, consent or timeout elapsed; re-acquire instead of retrying.
	KindExpired
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindStateConflict:
		return "state_conflict"
	case KindResourceBusy:
		return "resource_busy"
	case KindNotFound:
		return "not_found"
	case KindExpired:
		return "expired"
	default:
		return "internal"
	}
}

// Error is a classified domain error. Domain packages declare *Error values as
// sentinels and wrap them with fmt.Errorf("%w: ...") to attach identifiers.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Validation(code, message string) *Error    { return New(KindValidation, code, message) }
func StateConflict(code, message string) *Error { return New(KindStateConflict, code, message) }
func ResourceBusy(code, message string) *Error  { return New(KindResourceBusy, code, message) }
func NotFound(code, message string) *Error      { return New(KindNotFound, code, message) }
func Expired(code, message string) *Error       { return New(KindExpired, code, message) }

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// CodeOf returns the code of the first *Error in err's chain, or "internal_error".
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return "internal_error"
}

// Status maps an error onto an HTTP status code.
func Status(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindStateConflict, KindResourceBusy:
		return http.StatusConflict
	case KindExpired:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// Body is the JSON error envelope returned by handlers.
type Body struct {
	Error   string `json:"error"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// HTTPError converts err into an *echo.HTTPError carrying a Body. Internal
// errors are reported with a generic message.
func HTTPError(err error) *echo.HTTPError {
	status := Status(err)
	body := Body{Error: CodeOf(err), Kind: KindOf(err).String(), Message: err.Error()}
	if status == http.StatusInternalServerError {
		body.Message = "internal server error"
	}
	return echo.NewHTTPError(status, body).SetInternal(err)
}
