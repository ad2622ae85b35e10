package mcphub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/vikashloomba/mcp-hub-go/pkg/mcpconn"
)

// auxEntry is one cached short-lived client session.
type auxEntry struct {
	session  *mcp.ClientSession
	lastUsed time.Time
}

// auxCache holds lazily opened sessions for one-off operations that bypass
// the long-lived connection actors, keyed "serverID" or
// "serverID:sessionID". Idle entries are swept on a fixed interval; any
// operation failure evicts immediately rather than retrying silently.
type auxCache struct {
	mu      sync.Mutex
	entries map[string]*auxEntry
	dialing map[string]chan struct{}
	ttl     time.Duration
	logger  *zap.Logger
}

func newAuxCache(ttl time.Duration, logger *zap.Logger) *auxCache {
	return &auxCache{
		entries: make(map[string]*auxEntry),
		dialing: make(map[string]chan struct{}),
		ttl:     ttl,
		logger:  logger,
	}
}

func (a *auxCache) get(key string) (*mcp.ClientSession, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.entries[key]
	if !ok {
		return nil, false
	}
	entry.lastUsed = time.Now()
	return entry.session, true
}

func (a *auxCache) put(key string, session *mcp.ClientSession) {
	a.mu.Lock()
	old := a.entries[key]
	a.entries[key] = &auxEntry{session: session, lastUsed: time.Now()}
	a.mu.Unlock()
	if old != nil {
		_ = old.session.Close()
	}
}

// beginDial claims the in-flight dial slot for key. The second return is
// true for the claiming caller; others get the same channel and wait for
// endDial to close it before re-checking the cache.
func (a *auxCache) beginDial(key string) (chan struct{}, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ch, ok := a.dialing[key]; ok {
		return ch, false
	}
	ch := make(chan struct{})
	a.dialing[key] = ch
	return ch, true
}

func (a *auxCache) endDial(key string) {
	a.mu.Lock()
	ch := a.dialing[key]
	delete(a.dialing, key)
	a.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

func (a *auxCache) evict(key string) {
	a.mu.Lock()
	entry, ok := a.entries[key]
	delete(a.entries, key)
	a.mu.Unlock()
	if ok {
		_ = entry.session.Close()
	}
}

func (a *auxCache) closeAll() {
	a.mu.Lock()
	entries := a.entries
	a.entries = make(map[string]*auxEntry)
	a.mu.Unlock()
	for _, entry := range entries {
		_ = entry.session.Close()
	}
}

func (a *auxCache) sweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.closeAll()
			return
		case <-ticker.C:
			a.sweep(time.Now())
		}
	}
}

func (a *auxCache) sweep(now time.Time) {
	a.mu.Lock()
	var stale []*auxEntry
	for key, entry := range a.entries {
		if now.Sub(entry.lastUsed) > a.ttl {
			stale = append(stale, entry)
			delete(a.entries, key)
			a.logger.Debug("evicting idle aux session", zap.String("key", key))
		}
	}
	a.mu.Unlock()
	for _, entry := range stale {
		_ = entry.session.Close()
	}
}

func auxKey(serverID, sessionID string) string {
	if sessionID == "" {
		return serverID
	}
	return serverID + ":" + sessionID
}

// auxSession returns a live one-off session for (server, session), opening
// and caching one when absent. The session's own bearer (passthrough or
// session-scoped tokens) applies, not the agent-scoped connection's.
// Concurrent misses for one key share a single dial; followers wait for the
// claiming caller and then re-check the cache.
func (h *Hub) auxSession(ctx context.Context, serverID, sessionID string) (*mcp.ClientSession, string, error) {
	key := auxKey(serverID, sessionID)
	for {
		if session, ok := h.aux.get(key); ok {
			return session, key, nil
		}
		ch, claimed := h.aux.beginDial(key)
		if !claimed {
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return nil, key, ctx.Err()
			}
		}
		session, err := h.dialAux(ctx, serverID, sessionID)
		if err == nil {
			h.aux.put(key, session)
		}
		h.aux.endDial(key)
		if err != nil {
			return nil, key, err
		}
		return session, key, nil
	}
}

func (h *Hub) dialAux(ctx context.Context, serverID, sessionID string) (*mcp.ClientSession, error) {
	rec, ok := h.opts.Servers.Get(serverID)
	if !ok {
		return nil, &NotFoundError{Kind: "server", Name: serverID}
	}
	provider := h.newProvider(serverID, sessionID)
	transport := mcpconn.NewTransport(rec, provider.Tokens, h.opts.HTTPClient)
	client := mcp.NewClient(&mcp.Implementation{Name: h.opts.ClientName, Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcphub: open aux session for %q: %w", serverID, err)
	}
	return session, nil
}

// CallToolAux invokes a namespaced tool through the auxiliary cache under a
// specific caller session, with the short one-off timeout. A failed call
// evicts the cached session; the caller retries at a higher level.
func (h *Hub) CallToolAux(ctx context.Context, sessionID, name string, args any) (*mcp.CallToolResult, error) {
	tool, ok := h.Catalog().Tool(name)
	if !ok {
		return nil, &NotFoundError{Kind: "tool", Name: name}
	}
	session, key, err := h.auxSession(ctx, tool.Source.Server, sessionID)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, h.opts.AuxCallTimeout)
	defer cancel()
	res, err := session.CallTool(callCtx, &mcp.CallToolParams{Name: tool.Source.Name, Arguments: args})
	if err != nil {
		h.aux.evict(key)
		return nil, err
	}
	return res, nil
}

// ReadResourceAux reads a namespaced resource through the auxiliary cache
// under a specific caller session.
func (h *Hub) ReadResourceAux(ctx context.Context, sessionID, uri string) (*mcp.ReadResourceResult, error) {
	res, ok := h.Catalog().Resource(uri)
	if !ok {
		return nil, &NotFoundError{Kind: "resource", Name: uri}
	}
	session, key, err := h.auxSession(ctx, res.Source.Server, sessionID)
	if err != nil {
		return nil, err
	}
	readCtx, cancel := context.WithTimeout(ctx, h.opts.AuxCallTimeout)
	defer cancel()
	result, err := session.ReadResource(readCtx, &mcp.ReadResourceParams{URI: res.Source.URI})
	if err != nil {
		h.aux.evict(key)
		return nil, err
	}
	return result, nil
}
