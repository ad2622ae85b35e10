package mcphub

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/vikashloomba/mcp-hub-go/pkg/configstore"
	"github.com/vikashloomba/mcp-hub-go/pkg/mcpauth"
	"github.com/vikashloomba/mcp-hub-go/pkg/mcpconn"
)

// Hub owns the live connection map and the merged catalog. It is the only
// component that spawns or removes connections; connections own their own
// state and report back through snapshots and the server store.
type Hub struct {
	opts   Options
	logger *zap.Logger

	ctx           context.Context
	cancel        context.CancelFunc
	cancelObserve func()

	mu      sync.RWMutex
	started bool
	conns   map[string]*mcpconn.Connection
	snaps   map[string]mcpconn.Snapshot
	catalog Catalog
	subs    map[uint64]func(Catalog)
	nextSub uint64

	aux *auxCache
}

// New constructs a Hub. Call Start to begin reconciling.
func New(opts Options) (*Hub, error) {
	if opts.Servers == nil {
		return nil, fmt.Errorf("mcphub: Options.Servers is required")
	}
	o := opts.withDefaults()
	h := &Hub{
		opts:    o,
		logger:  o.Logger,
		conns:   make(map[string]*mcpconn.Connection),
		snaps:   make(map[string]mcpconn.Snapshot),
		catalog: buildCatalog(nil),
		subs:    make(map[uint64]func(Catalog)),
	}
	h.aux = newAuxCache(o.AuxTTL, o.Logger)
	return h, nil
}

// Start seeds the registry record if configured, subscribes to the server
// store, runs the first reconciliation pass, and starts the auxiliary cache
// sweeper. The hub stops when ctx is cancelled or Stop is called.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return fmt.Errorf("mcphub: already started")
	}
	h.started = true
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.mu.Unlock()

	if h.opts.RegistryURL != "" {
		h.seedRegistry()
	}

	h.cancelObserve = h.opts.Servers.Observe(func([]string) {
		h.Reconcile()
	})
	h.Reconcile()

	go h.aux.sweepLoop(h.ctx, h.opts.AuxSweepInterval)
	return nil
}

// Stop tears down every connection and the auxiliary cache.
func (h *Hub) Stop() {
	if h.cancelObserve != nil {
		h.cancelObserve()
	}
	if h.cancel != nil {
		h.cancel()
	}

	h.mu.Lock()
	conns := make([]*mcpconn.Connection, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.conns = make(map[string]*mcpconn.Connection)
	h.snaps = make(map[string]mcpconn.Snapshot)
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Cleanup()
	}
	h.aux.closeAll()
}

// Reconcile diffs the store's key set against the live connection map,
// spawning missing connections and cleaning up orphaned ones. Level
// triggered: re-running at any time is idempotent.
func (h *Hub) Reconcile() {
	desired := make(map[string]struct{})
	for _, key := range h.opts.Servers.Keys() {
		desired[key] = struct{}{}
	}

	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return
	}
	var removed []*mcpconn.Connection
	for id, conn := range h.conns {
		if _, ok := desired[id]; !ok {
			removed = append(removed, conn)
			delete(h.conns, id)
			delete(h.snaps, id)
		}
	}
	var spawned []string
	for id := range desired {
		if _, ok := h.conns[id]; ok {
			continue
		}
		conn := h.newConnection(id)
		h.conns[id] = conn
		spawned = append(spawned, id)
		conn.Start(h.ctx)
	}
	var snap Catalog
	var notify []func(Catalog)
	if len(removed) > 0 {
		h.catalog = buildCatalog(h.snaps)
		snap = h.catalog
		notify = h.subscribersLocked()
	}
	h.mu.Unlock()

	for _, conn := range removed {
		h.logger.Info("removing server", zap.String("server", conn.ID()))
		conn.Cleanup()
	}
	for _, id := range spawned {
		h.logger.Info("spawned server connection", zap.String("server", id))
	}
	for _, fn := range notify {
		fn(snap)
	}
}

func (h *Hub) newConnection(id string) *mcpconn.Connection {
	provider := h.newProvider(id, h.opts.AgentSessionID)
	return mcpconn.New(id, h.opts.Servers, provider, h.onSnapshot, h.connOptions())
}

func (h *Hub) newProvider(serverID, sessionID string) *mcpauth.Provider {
	return mcpauth.NewProvider(mcpauth.Options{
		ServerID:    serverID,
		SessionID:   sessionID,
		Servers:     h.opts.Servers,
		Sessions:    h.opts.Sessions,
		Redirect:    h.opts.Redirect,
		RedirectURL: h.opts.RedirectURL,
		ClientName:  h.opts.ClientName,
		ClientURI:   h.opts.ClientURI,
		HTTPClient:  h.opts.HTTPClient,
		Logger:      h.logger,
	})
}

func (h *Hub) connOptions() *mcpconn.Options {
	var opts mcpconn.Options
	if h.opts.Connection != nil {
		opts = *h.opts.Connection
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = h.opts.HTTPClient
	}
	if opts.Logger == nil {
		opts.Logger = h.logger
	}
	if opts.ClientName == "" {
		opts.ClientName = h.opts.ClientName
	}
	return &opts
}

// onSnapshot ingests a connection's published snapshot and rebuilds the
// merged catalog. Registry snapshots additionally feed server discovery.
func (h *Hub) onSnapshot(snap mcpconn.Snapshot) {
	h.mu.Lock()
	if _, ok := h.conns[snap.ServerID]; !ok {
		h.mu.Unlock()
		return
	}
	h.snaps[snap.ServerID] = snap
	h.catalog = buildCatalog(h.snaps)
	cat := h.catalog
	notify := h.subscribersLocked()
	h.mu.Unlock()

	for _, fn := range notify {
		fn(cat)
	}
	if snap.ServerID == RegistryServerID {
		h.ingestRegistry(snap)
	}
}

func (h *Hub) subscribersLocked() []func(Catalog) {
	subs := make([]func(Catalog), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	return subs
}

// Catalog returns the current merged catalog.
func (h *Hub) Catalog() Catalog {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.catalog
}

// Subscribe registers a callback invoked with each rebuilt catalog. The
// returned function cancels the subscription.
func (h *Hub) Subscribe(fn func(Catalog)) (cancel func()) {
	h.mu.Lock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

func (h *Hub) connection(serverID string) (*mcpconn.Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.conns[serverID]
	return conn, ok
}

// Connect writes a server record into the store; reconciliation picks it up.
func (h *Hub) Connect(rec configstore.ServerRecord) error {
	if rec.ID == "" || rec.URL == "" {
		return fmt.Errorf("mcphub: server record needs id and url")
	}
	if rec.Status == "" {
		rec.Status = configstore.StatusInitializing
	}
	h.opts.Servers.Set(rec.ID, rec)
	return nil
}

// Disconnect deletes the server record; reconciliation cleans the
// connection up.
func (h *Hub) Disconnect(serverID string) {
	h.opts.Servers.Delete(serverID)
}

// RetryServer commands an immediate reconnect attempt.
func (h *Hub) RetryServer(serverID string) error {
	conn, ok := h.connection(serverID)
	if !ok {
		return &NotFoundError{Kind: "server", Name: serverID}
	}
	conn.Retry()
	return nil
}

// AuthenticateServer signals that an authorization code was delivered and
// exchanged for the given server.
func (h *Hub) AuthenticateServer(serverID string) error {
	conn, ok := h.connection(serverID)
	if !ok {
		return &NotFoundError{Kind: "server", Name: serverID}
	}
	conn.Authenticate()
	return nil
}

// RefreshResource asks the owning connection to re-pull one namespaced
// resource into its snapshot cache.
func (h *Hub) RefreshResource(namespacedURI string) error {
	serverID, uri, ok := SplitNamespaced(namespacedURI)
	if !ok {
		return &NotFoundError{Kind: "resource", Name: namespacedURI}
	}
	conn, found := h.connection(serverID)
	if !found {
		return &NotFoundError{Kind: "server", Name: serverID}
	}
	conn.ReadResource(uri)
	return nil
}

// ServerStatus reads the live status written back by the connection.
func (h *Hub) ServerStatus(serverID string) (configstore.ServerRecord, bool) {
	return h.opts.Servers.Get(serverID)
}
