package frappe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/cragr/frappe-ticket-agent/internal/models"
)

// Kind classifies an APIError.
type Kind int

const (
	KindNetwork Kind = iota + 1
	KindTimeout
	KindAuthentication
	KindAuthorization
	KindNotFound
	KindServer
	KindAPI
	KindParse
)

// Sentinels matched by errors.Is against an *APIError of the same kind.
var (
	ErrNetwork        = errors.New("network error")
	ErrTimeout        = errors.New("request timed out")
	ErrAuthentication = errors.New("authentication error")
	ErrAuthorization  = errors.New("authorization error")
	ErrNotFound       = errors.New("not found")
	ErrServer         = errors.New("server error")
	ErrAPI            = errors.New("api error")
	ErrParse          = errors.New("parse error")
)

var kindSentinels = map[Kind]error{
	KindNetwork:        ErrNetwork,
	KindTimeout:        ErrTimeout,
	KindAuthentication: ErrAuthentication,
	KindAuthorization:  ErrAuthorization,
	KindNotFound:       ErrNotFound,
	KindServer:         ErrServer,
	KindAPI:            ErrAPI,
	KindParse:          ErrParse,
}

// Fixed messages for the mapped status codes.
const (
	msgUnauthorized   = "authentication failed, verify token/permissions"
	msgForbidden      = "permission denied for this resource"
	msgTicketNotFound = "resource type does not exist, create it or use an alternative"
	msgNotFound       = "resource not found at endpoint, check DocType existence"
	msgServerError    = "internal server error, check server logs/configuration"
	msgUnreachable    = "cannot reach server"
)

// APIError is the single error type surfaced by the request executor.
// Error() returns one human readable string.
type APIError struct {
	Kind       Kind
	StatusCode int
	Message    string
	// ServerMessage is the message decoded from _server_messages, if any.
	ServerMessage string
	// Body is the raw response body, kept for diagnostics.
	Body string
	Err  error
}

func (e *APIError) Error() string {
	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *APIError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// Retryable reports whether repeating the request could succeed.
func (e *APIError) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout:
		return true
	}
	return e.StatusCode >= http.StatusInternalServerError
}

// classifyStatus maps a non-2xx response to an APIError. ticketResource is
// true when the request targeted the configured ticket DocType.
func classifyStatus(status int, body []byte, ticketResource bool) *APIError {
	e := &APIError{
		StatusCode:    status,
		Body:          string(body),
		ServerMessage: extractServerMessage(body),
	}

	switch {
	case status == http.StatusUnauthorized:
		e.Kind, e.Message = KindAuthentication, msgUnauthorized
	case status == http.StatusForbidden:
		e.Kind, e.Message = KindAuthorization, msgForbidden
	case status == http.StatusNotFound && ticketResource:
		e.Kind, e.Message = KindNotFound, msgTicketNotFound
	case status == http.StatusNotFound:
		e.Kind, e.Message = KindNotFound, msgNotFound
	case status == http.StatusInternalServerError:
		e.Kind, e.Message = KindServer, msgServerError
	default:
		e.Kind = KindAPI
		e.Message = fmt.Sprintf("API error: %d %s", status, http.StatusText(status))
		if e.ServerMessage != "" {
			e.Message += " - " + e.ServerMessage
		}
	}

	return e
}

// extractServerMessage digs the human message out of Frappe's
// _server_messages envelope. Any decoding failure yields "".
func extractServerMessage(body []byte) string {
	var env models.ErrorEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.ServerMessages == "" {
		return ""
	}

	var encoded []string
	if err := json.Unmarshal([]byte(env.ServerMessages), &encoded); err != nil {
		return ""
	}

	var msgs []string
	for _, raw := range encoded {
		var m models.ServerMessage
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			continue
		}
		if m.Message != "" {
			msgs = append(msgs, m.Message)
		}
	}
	return strings.Join(msgs, "; ")
}

// classifyTransport maps an error from http.Client.Do. parent is the caller's
// context, used to tell our own timeout apart from caller cancellation.
func classifyTransport(parent context.Context, err error, timeoutMs int64) *APIError {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return &APIError{
			Kind:    KindTimeout,
			Message: fmt.Sprintf("request timed out after %dms", timeoutMs),
			Err:     err,
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &APIError{
			Kind:    KindNetwork,
			Message: fmt.Sprintf("%s: %s could not be resolved", msgUnreachable, dnsErr.Name),
			Err:     err,
		}
	}

	return &APIError{
		Kind:    KindNetwork,
		Message: err.Error(),
		Err:     err,
	}
}
