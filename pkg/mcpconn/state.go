package mcpconn

import (
	"errors"
	"strings"

	"github.com/vikashloomba/mcp-hub-go/pkg/configstore"
)

// State is the connection lifecycle state. Transitions are driven only by
// the connection's own run loop.
type State string

const (
	StateConnecting     State = "connecting"
	StateDiscovering    State = "discovering"
	StateReady          State = "ready"
	StateAuthenticating State = "authenticating"
	StateFailed         State = "failed"
	StateDone           State = "done"
)

// transitions lists the legal successor states. StateDone is terminal but
// reachable from everywhere via Cleanup. Authenticating reaches failed only
// when an authorization timeout is configured.
var transitions = map[State][]State{
	StateConnecting:     {StateDiscovering, StateAuthenticating, StateFailed, StateDone},
	StateDiscovering:    {StateReady, StateFailed, StateDone},
	StateReady:          {StateConnecting, StateFailed, StateDone},
	StateAuthenticating: {StateConnecting, StateFailed, StateDone},
	StateFailed:         {StateConnecting, StateDone},
	StateDone:           nil,
}

func validTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// storeStatus maps the internal state (plus the ready sub-cycle liveness
// flag) onto the status enum persisted in the ServerRecord.
func storeStatus(s State, live bool) configstore.Status {
	switch s {
	case StateConnecting:
		return configstore.StatusConnecting
	case StateDiscovering:
		return configstore.StatusDiscovering
	case StateAuthenticating:
		return configstore.StatusAuthenticating
	case StateReady:
		if live {
			return configstore.StatusConnected
		}
		return configstore.StatusDisconnected
	case StateFailed:
		return configstore.StatusFailed
	case StateDone:
		return configstore.StatusDisconnected
	default:
		return configstore.StatusInitializing
	}
}

type commandKind int

const (
	cmdRetry commandKind = iota
	cmdAuthenticate
	cmdCleanup
	cmdReadResource
	cmdRefreshTools
	cmdRefreshPrompts
	cmdRefreshResources
	cmdSessionClosed
)

type command struct {
	kind commandKind
	// uri is set for cmdReadResource.
	uri string
	// generation tags commands originating from a specific connection
	// attempt so completions from superseded attempts are dropped.
	generation uint64
	err        error
}

const unauthorizedCode = 401

// UnauthorizedError marks a failure that requires interactive authorization.
// Automatic backoff retries are suppressed while one is recorded.
type UnauthorizedError struct {
	Err error
}

func (e *UnauthorizedError) Error() string {
	return "unauthorized: " + e.Err.Error()
}

func (e *UnauthorizedError) Unwrap() error { return e.Err }

// IsUnauthorized reports whether err indicates the backend rejected our
// credentials. Transports surface this as HTTP 401/403 text rather than a
// typed error, so classification is by message.
func IsUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	var ue *UnauthorizedError
	if errors.As(err, &ue) {
		return true
	}
	lower := strings.ToLower(err.Error())
	for _, marker := range []string{"401", "unauthorized", "403", "forbidden", "invalid_token"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// isMethodUnavailable reports whether err means the server does not declare
// the capability behind method (JSON-RPC -32601 and friends). Such errors
// downgrade to an empty list rather than failing discovery.
func isMethodUnavailable(err error, method string) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	if !(strings.Contains(lower, "-32601") ||
		strings.Contains(lower, "method not found") ||
		strings.Contains(lower, "not implemented") ||
		strings.Contains(lower, "unsupported") ||
		strings.Contains(lower, "does not support") ||
		strings.Contains(lower, "unimplemented")) {
		return false
	}
	method = strings.ToLower(method)
	if strings.Contains(lower, method) {
		return true
	}
	for _, part := range strings.FieldsFunc(method, func(r rune) bool {
		return r == '/' || r == ':' || r == '.' || r == '_' || r == '-'
	}) {
		if part != "" && strings.Contains(lower, part) {
			return true
		}
	}
	return true
}
