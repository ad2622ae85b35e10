package configstore

import (
	"golang.org/x/oauth2"
)

// Status mirrors the lifecycle of the connection serving a record. It is a
// write-back field: the connection owns it, observers only read it.
type Status string

const (
	StatusInitializing   Status = "initializing"
	StatusConnecting     Status = "connecting"
	StatusDiscovering    Status = "discovering"
	StatusAuthenticating Status = "authenticating"
	StatusReady          Status = "ready"
	StatusConnected      Status = "connected"
	StatusDisconnected   Status = "disconnected"
	StatusFailed         Status = "failed"
)

// TransportKind selects the HTTP transport used to reach a server.
type TransportKind string

const (
	TransportStreamable TransportKind = "streamable"
	TransportSSE        TransportKind = "sse"
)

// AuthType selects how requests to a server are authorized.
type AuthType string

const (
	// AuthNone sends no credentials.
	AuthNone AuthType = ""
	// AuthOAuth runs the authorization-code flow with PKCE.
	AuthOAuth AuthType = "oauth"
	// AuthPassthrough forwards the caller's own bearer token unchanged.
	AuthPassthrough AuthType = "passthrough"
)

// TokenInheritance controls where freshly obtained tokens are persisted.
type TokenInheritance string

const (
	// InheritAgent stores tokens on the ServerRecord, shared by every
	// session of the agent. This is the default.
	InheritAgent TokenInheritance = "agent"
	// InheritSession keeps tokens on the session record only.
	InheritSession TokenInheritance = "session"
)

// ErrorInfo captures the last error observed by a connection.
type ErrorInfo struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// AuthSettings describe how a server expects to be authorized.
type AuthSettings struct {
	Type        AuthType         `json:"type,omitempty"`
	Scopes      []string         `json:"scopes,omitempty"`
	Inheritance TokenInheritance `json:"inheritance,omitempty"`
	// Tokens holds agent-scoped tokens shared across sessions.
	Tokens *oauth2.Token `json:"tokens,omitempty"`
	// AuthorizationEndpoint, TokenEndpoint, and RegistrationEndpoint locate
	// the server's authorization service when Type is AuthOAuth.
	AuthorizationEndpoint string `json:"authorizationEndpoint,omitempty"`
	TokenEndpoint         string `json:"tokenEndpoint,omitempty"`
	RegistrationEndpoint  string `json:"registrationEndpoint,omitempty"`
}

// ServerRecord is the declarative desired-state record for one backend
// server. The ID doubles as the namespace prefix for every capability the
// server exposes, so it must be unique within one agent's configuration.
type ServerRecord struct {
	ID        string        `json:"id"`
	URL       string        `json:"url"`
	Name      string        `json:"name,omitempty"`
	Version   string        `json:"version,omitempty"`
	Transport TransportKind `json:"transportKind,omitempty"`
	Auth      *AuthSettings `json:"auth,omitempty"`

	// Status and Error are written back by the active connection.
	Status Status     `json:"status,omitempty"`
	Error  *ErrorInfo `json:"error,omitempty"`
}

// ClientInformation is the persisted result of dynamic client registration
// (RFC 7591).
type ClientInformation struct {
	ClientID              string `json:"client_id"`
	ClientSecret          string `json:"client_secret,omitempty"`
	ClientIDIssuedAt      int64  `json:"client_id_issued_at,omitempty"`
	ClientSecretExpiresAt int64  `json:"client_secret_expires_at,omitempty"`
}

// SessionRecord holds per-session authorization state for one server. All
// three token write paths (direct exchange, passthrough mirror, external
// delivery) converge on the Tokens field; last writer wins.
type SessionRecord struct {
	SessionID string `json:"sessionId"`
	ServerID  string `json:"serverId"`

	// Bearer is the caller's own token, used directly under passthrough auth.
	Bearer string `json:"bearer,omitempty"`

	// Code is the authorization code delivered by the external redirect
	// handler; consumed by WaitForCode.
	Code string `json:"code,omitempty"`

	Tokens            *oauth2.Token      `json:"tokens,omitempty"`
	CodeVerifier      string             `json:"codeVerifier,omitempty"`
	ClientInformation *ClientInformation `json:"clientInformation,omitempty"`
	RedirectURL       string             `json:"redirectUrl,omitempty"`

	// PendingAuthorizationURL is the URL a human must visit to approve the
	// current authorization attempt.
	PendingAuthorizationURL string `json:"pendingAuthorizationUrl,omitempty"`
}

// SessionKey builds the store key for a (session, server) pair.
func SessionKey(sessionID, serverID string) string {
	return sessionID + "/" + serverID
}
