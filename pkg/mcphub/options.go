package mcphub

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vikashloomba/mcp-hub-go/pkg/configstore"
	"github.com/vikashloomba/mcp-hub-go/pkg/mcpauth"
	"github.com/vikashloomba/mcp-hub-go/pkg/mcpconn"
)

// RegistryServerID is the well-known bootstrap connection whose resources
// may advertise further servers.
const RegistryServerID = "@registry"

const (
	defaultAgentSessionID    = "agent"
	defaultRegistryURIPrefix = "mcp-registry://servers/"
	defaultAuxTTL            = 5 * time.Minute
	defaultAuxSweepInterval  = time.Minute
	defaultAuxCallTimeout    = 3 * time.Second
	defaultRouteTimeout      = 30 * time.Second
)

// Options configure a Hub.
type Options struct {
	// Servers is the desired-state store the hub reconciles against.
	// Required.
	Servers configstore.Store[configstore.ServerRecord]
	// Sessions holds per-session auth state. Required when any server uses
	// oauth or passthrough auth; a fresh MemStore is installed otherwise.
	Sessions configstore.Store[configstore.SessionRecord]

	// Connection options are applied to every spawned connection.
	Connection *mcpconn.Options

	// Redirect receives authorization URLs for interactive flows.
	Redirect mcpauth.RedirectSink
	// RedirectURL is the OAuth callback registered for this hub.
	RedirectURL string
	ClientName  string
	ClientURI   string

	// AgentSessionID keys agent-scoped auth state in the session store.
	// Defaults to "agent".
	AgentSessionID string

	// RegistryURL, when set, seeds the "@registry" server record on Start.
	RegistryURL string
	// RegistryURIPrefix selects which registry resources are treated as
	// server advertisements. Defaults to "mcp-registry://servers/".
	RegistryURIPrefix string

	// AuxTTL and AuxSweepInterval govern the auxiliary client cache.
	AuxTTL           time.Duration
	AuxSweepInterval time.Duration
	// AuxCallTimeout bounds one-off operations issued through the
	// auxiliary cache.
	AuxCallTimeout time.Duration
	// RouteTimeout bounds each routed operation on the primary path.
	// Negative disables it; zero selects the 30s default.
	RouteTimeout time.Duration

	HTTPClient *http.Client
	Logger     *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Sessions == nil {
		o.Sessions = configstore.NewMemStore[configstore.SessionRecord]()
	}
	if o.AgentSessionID == "" {
		o.AgentSessionID = defaultAgentSessionID
	}
	if o.RegistryURIPrefix == "" {
		o.RegistryURIPrefix = defaultRegistryURIPrefix
	}
	if o.AuxTTL <= 0 {
		o.AuxTTL = defaultAuxTTL
	}
	if o.AuxSweepInterval <= 0 {
		o.AuxSweepInterval = defaultAuxSweepInterval
	}
	if o.AuxCallTimeout <= 0 {
		o.AuxCallTimeout = defaultAuxCallTimeout
	}
	if o.RouteTimeout == 0 {
		o.RouteTimeout = defaultRouteTimeout
	}
	if o.ClientName == "" {
		o.ClientName = "mcp-hub-go"
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}
