// Package apierr defines the error taxonomy shared by the HTTP and
// WebSocket surfaces.
package apierr

import "net/http"

// Code is a stable, machine-readable error kind.
type Code string

const (
	InvalidArguments   Code = "invalid_arguments"
	InvalidRequest     Code = "invalid_request"
	Unauthorized       Code = "unauthorized"
	Forbidden          Code = "forbidden"
	SessionNotFound    Code = "session_not_found"
	SessionLimit       Code = "session_limit"
	ExecFailed         Code = "exec_failed"
	Timeout            Code = "timeout"
	NotPTY             Code = "not_pty"
	AIGated            Code = "ai_gated"
	IOError            Code = "io_error"
	PermissionDenied   Code = "permission_denied"
	FileNotFound       Code = "file_not_found"
	FileTooLarge       Code = "file_too_large"
	TunnelDisconnected Code = "tunnel_disconnected"
)

// Error is a taxonomy error carrying a code and a human message, with
// an optional session id for WS frames that reference one.
type Error struct {
	ErrCode   Code   `json:"code"`
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

func (e *Error) Error() string { return string(e.ErrCode) + ": " + e.Message }

// New builds an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{ErrCode: code, Message: message}
}

// WithSession attaches a session id and returns the same Error.
func (e *Error) WithSession(id string) *Error {
	e.SessionID = id
	return e
}

// HTTPStatus maps a taxonomy code to the HTTP status the REST
// projections use.
func HTTPStatus(code Code) int {
	switch code {
	case InvalidArguments, InvalidRequest:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case SessionNotFound, FileNotFound:
		return http.StatusNotFound
	case SessionLimit:
		return http.StatusTooManyRequests
	case NotPTY, AIGated:
		return http.StatusConflict
	case Timeout:
		return http.StatusGatewayTimeout
	case FileTooLarge:
		return http.StatusRequestEntityTooLarge
	case PermissionDenied:
		return http.StatusForbidden
	case TunnelDisconnected:
		return http.StatusBadGateway
	case ExecFailed, IOError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
