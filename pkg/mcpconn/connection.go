package mcpconn

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/vikashloomba/mcp-hub-go/pkg/configstore"
	"github.com/vikashloomba/mcp-hub-go/pkg/mcpauth"
)

const defaultRetryBackoff = 10 * time.Second

// Options configure a Connection.
type Options struct {
	// ConnectTimeout bounds the transport connect plus initialize handshake.
	// Defaults to 10s.
	ConnectTimeout time.Duration
	// PingTimeout bounds the post-connect liveness probe. Defaults to 5s.
	PingTimeout time.Duration
	// ReadTimeout bounds each resource snapshot read. Defaults to 5s.
	ReadTimeout time.Duration
	// RequestTimeout bounds list re-fetches triggered by notifications.
	// Defaults to 30s.
	RequestTimeout time.Duration
	// AuthTimeout bounds how long the authenticating state waits for an
	// external authorization. Zero (the default) waits indefinitely.
	AuthTimeout time.Duration

	// NewBackOff produces the retry schedule applied in the failed state.
	// Defaults to a constant 10s.
	NewBackOff func() backoff.BackOff

	// ClientName and ClientVersion are advertised during initialization.
	ClientName    string
	ClientVersion string

	HTTPClient *http.Client
	Logger     *zap.Logger

	// DialTransport overrides transport construction, used by tests to
	// connect over in-memory pipes.
	DialTransport func(ctx context.Context, rec configstore.ServerRecord) (mcp.Transport, error)
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 5 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 5 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			return backoff.NewConstantBackOff(defaultRetryBackoff)
		}
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "1.0.0"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return opts
}

// ResourceContent is one cached resource snapshot, decoded by MIME type.
type ResourceContent struct {
	URI      string
	MIMEType string
	// Text carries text/plain bodies.
	Text string
	// JSON carries parsed application/json bodies.
	JSON any
	// Blob carries everything else, unmodified.
	Blob []byte
}

// Snapshot is the connection's published view: capability lists, cached
// resource contents, and the lifecycle state they were captured in.
// Snapshots are derived, never mutated in place.
type Snapshot struct {
	ServerID          string
	State             State
	Instructions      string
	Capabilities      *mcp.ServerCapabilities
	Tools             []*mcp.Tool
	Prompts           []*mcp.Prompt
	Resources         []*mcp.Resource
	ResourceTemplates []*mcp.ResourceTemplate
	Contents          map[string]ResourceContent
}

// Connection is the actor owning one backend server's lifecycle. All state
// mutation happens on the run goroutine; external callers steer it through
// commands and read it through snapshots.
type Connection struct {
	id      string
	servers configstore.Store[configstore.ServerRecord]
	auth    *mcpauth.Provider
	opts    Options
	logger  *zap.Logger
	publish func(Snapshot)

	cmds chan command
	done chan struct{}

	generation atomic.Uint64

	mu           sync.RWMutex
	state        State
	live         bool
	retries      int
	lastErr      error
	client       *mcp.Client
	session      *mcp.ClientSession
	instructions string
	caps         *mcp.ServerCapabilities
	tools        []*mcp.Tool
	prompts      []*mcp.Prompt
	resources    []*mcp.Resource
	templates    []*mcp.ResourceTemplate
	contents     map[string]ResourceContent
	pending      map[string]struct{}
	bo           backoff.BackOff
}

// New constructs a Connection for the given server record key. auth may be
// nil for servers without authorization; publish may be nil.
func New(id string, servers configstore.Store[configstore.ServerRecord], auth *mcpauth.Provider, publish func(Snapshot), opts *Options) *Connection {
	o := opts.withDefaults()
	return &Connection{
		id:       id,
		servers:  servers,
		auth:     auth,
		opts:     o,
		logger:   o.Logger.With(zap.String("server", id)),
		publish:  publish,
		cmds:     make(chan command, 16),
		done:     make(chan struct{}),
		state:    StateConnecting,
		contents: make(map[string]ResourceContent),
		pending:  make(map[string]struct{}),
	}
}

// ID returns the server id this connection serves.
func (c *Connection) ID() string { return c.id }

// Start launches the run loop. The connection stops when ctx is cancelled or
// after a Cleanup command.
func (c *Connection) Start(ctx context.Context) {
	go c.run(ctx)
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Retries returns the number of reconnect attempts performed so far.
func (c *Connection) Retries() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.retries
}

// LastError returns the most recent failure, if any.
func (c *Connection) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Snapshot returns the current published view.
func (c *Connection) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

// Retry commands a fresh connection attempt.
func (c *Connection) Retry() { c.send(command{kind: cmdRetry}) }

// Authenticate signals that an authorization code has been delivered and
// exchanged, unblocking the authenticating state.
func (c *Connection) Authenticate() { c.send(command{kind: cmdAuthenticate}) }

// Cleanup tears the connection down; terminal.
func (c *Connection) Cleanup() { c.send(command{kind: cmdCleanup}) }

// ReadResource requests a snapshot pull of one resource URI into the cache.
func (c *Connection) ReadResource(uri string) {
	c.send(command{kind: cmdReadResource, uri: uri})
}

// Done is closed when the run loop has exited.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) send(cmd command) {
	select {
	case c.cmds <- cmd:
	case <-c.done:
	}
}

func (c *Connection) run(ctx context.Context) {
	defer func() {
		c.closeSession()
		close(c.done)
	}()
	for {
		if ctx.Err() != nil {
			return
		}
		switch c.State() {
		case StateConnecting:
			c.connect(ctx)
		case StateDiscovering:
			c.discover(ctx)
		case StateReady:
			c.serveReady(ctx)
		case StateAuthenticating:
			c.awaitAuthorization(ctx)
		case StateFailed:
			c.awaitRetry(ctx)
		case StateDone:
			return
		}
	}
}

// connect opens a fresh transport and performs the handshake plus liveness
// probe. Each attempt gets a new generation; completions tagged with an
// older generation are ignored.
func (c *Connection) connect(ctx context.Context) {
	gen := c.generation.Add(1)
	c.closeSession()

	rec, ok := c.servers.Get(c.id)
	if !ok {
		c.fail(fmt.Errorf("mcpconn: no configuration for %q", c.id))
		return
	}

	transport, err := c.dialTransport(ctx, rec)
	if err != nil {
		c.connectError(err)
		return
	}

	client := mcp.NewClient(&mcp.Implementation{
		Name:    c.clientName(rec),
		Version: c.opts.ClientVersion,
	}, c.clientOptions(gen))

	connectCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	session, err := client.Connect(connectCtx, transport, nil)
	cancel()
	if err != nil {
		c.connectError(err)
		return
	}

	pingCtx, cancel := context.WithTimeout(ctx, c.opts.PingTimeout)
	err = session.Ping(pingCtx, nil)
	cancel()
	if err != nil {
		_ = session.Close()
		c.connectError(err)
		return
	}

	if c.generation.Load() != gen {
		_ = session.Close()
		return
	}

	c.mu.Lock()
	c.client = client
	c.session = session
	c.mu.Unlock()
	go c.monitorSession(gen, session)

	c.setState(StateDiscovering, nil)
}

func (c *Connection) connectError(err error) {
	if IsUnauthorized(err) {
		c.logger.Warn("authorization required", zap.Error(err))
		c.mu.Lock()
		c.lastErr = &UnauthorizedError{Err: err}
		c.mu.Unlock()
		c.setState(StateAuthenticating, &configstore.ErrorInfo{Message: err.Error(), Code: unauthorizedCode})
		return
	}
	c.logger.Warn("connect failed", zap.Error(err))
	c.fail(err)
}

// monitorSession posts a session-closed command when the transport dies so
// the run loop can leave ready.
func (c *Connection) monitorSession(gen uint64, session *mcp.ClientSession) {
	err := session.Wait()
	c.send(command{kind: cmdSessionClosed, generation: gen, err: err})
}

func (c *Connection) serveReady(ctx context.Context) {
	c.scheduleReads(ctx, c.generation.Load())
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-c.cmds:
			if cmd.generation != 0 && cmd.generation != c.generation.Load() {
				continue
			}
			switch cmd.kind {
			case cmdCleanup:
				c.shutdown()
				return
			case cmdRetry, cmdAuthenticate:
				c.restart()
				return
			case cmdSessionClosed:
				err := cmd.err
				if err == nil {
					err = fmt.Errorf("mcpconn: session for %q closed", c.id)
				}
				c.logger.Warn("session closed", zap.Error(err))
				c.fail(err)
				return
			case cmdRefreshTools:
				c.refreshTools(ctx)
			case cmdRefreshPrompts:
				c.refreshPrompts(ctx)
			case cmdRefreshResources:
				c.refreshResources(ctx)
			case cmdReadResource:
				c.readByURI(ctx, cmd.uri)
			}
		}
	}
}

// awaitAuthorization blocks until an authorization code has been delivered
// and exchanged (self-driven through the auth provider, or signalled
// externally) or an explicit retry arrives. There is no timeout unless
// AuthTimeout is configured; waiting on a human is the normal case.
func (c *Connection) awaitAuthorization(ctx context.Context) {
	gen := c.generation.Load()

	authCtx, cancelAuth := context.WithCancel(ctx)
	defer cancelAuth()
	if c.auth != nil && c.authType() == configstore.AuthOAuth {
		go c.beginAuthorization(authCtx, gen)
	}

	var timeout <-chan time.Time
	if c.opts.AuthTimeout > 0 {
		t := time.NewTimer(c.opts.AuthTimeout)
		defer t.Stop()
		timeout = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-timeout:
			c.fail(fmt.Errorf("mcpconn: authorization for %q timed out", c.id))
			return
		case cmd := <-c.cmds:
			switch cmd.kind {
			case cmdCleanup:
				c.shutdown()
				return
			case cmdAuthenticate:
				if cmd.generation != 0 && cmd.generation != gen {
					continue
				}
				c.restart()
				return
			case cmdRetry:
				c.restart()
				return
			}
		}
	}
}

// beginAuthorization runs one interactive attempt: the redirect sink sees
// the authorization URL exactly once, and a successful exchange advances the
// state machine from inside.
func (c *Connection) beginAuthorization(ctx context.Context, gen uint64) {
	if _, err := c.auth.Authorize(ctx); err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("authorization attempt failed", zap.Error(err))
		}
		return
	}
	c.send(command{kind: cmdAuthenticate, generation: gen})
}

// awaitRetry schedules an automatic reconnect after backoff, unless the
// recorded error requires authorization, in which case only explicit
// commands advance the state.
func (c *Connection) awaitRetry(ctx context.Context) {
	var timer <-chan time.Time
	if !IsUnauthorized(c.LastError()) {
		if c.bo == nil {
			c.bo = c.opts.NewBackOff()
		}
		delay := c.bo.NextBackOff()
		if delay == backoff.Stop {
			delay = defaultRetryBackoff
		}
		t := time.NewTimer(delay)
		defer t.Stop()
		timer = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer:
			c.restart()
			return
		case cmd := <-c.cmds:
			switch cmd.kind {
			case cmdCleanup:
				c.shutdown()
				return
			case cmdRetry, cmdAuthenticate:
				c.restart()
				return
			}
		}
	}
}

func (c *Connection) restart() {
	c.closeSession()
	c.mu.Lock()
	c.retries++
	c.mu.Unlock()
	c.setState(StateConnecting, nil)
}

func (c *Connection) shutdown() {
	c.closeSession()
	c.setState(StateDone, nil)
}

func (c *Connection) fail(err error) {
	c.closeSession()
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.setState(StateFailed, &configstore.ErrorInfo{Message: err.Error()})
}

func (c *Connection) closeSession() {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.client = nil
	c.mu.Unlock()
	if session != nil {
		_ = session.Close()
	}
}

// setState transitions the state machine and mirrors the result into the
// owning ServerRecord so observers see live status without polling.
func (c *Connection) setState(to State, errInfo *configstore.ErrorInfo) {
	c.mu.Lock()
	from := c.state
	if from != to && !validTransition(from, to) {
		c.mu.Unlock()
		c.logger.Error("invalid state transition",
			zap.String("from", string(from)), zap.String("to", string(to)))
		return
	}
	c.state = to
	if to == StateReady {
		c.live = true
		c.bo = nil
		c.lastErr = nil
	}
	live := c.live
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.writeStatus(storeStatus(to, live), errInfo)
	if from != to {
		c.logger.Debug("state transition",
			zap.String("from", string(from)), zap.String("to", string(to)))
		c.emit(snap)
	}
}

// setLive flips the ready sub-cycle between connected and disconnected on
// transient request failures.
func (c *Connection) setLive(live bool) {
	c.mu.Lock()
	if c.state != StateReady || c.live == live {
		c.mu.Unlock()
		return
	}
	c.live = live
	c.mu.Unlock()
	c.writeStatus(storeStatus(StateReady, live), nil)
}

func (c *Connection) writeStatus(status configstore.Status, errInfo *configstore.ErrorInfo) {
	rec, ok := c.servers.Get(c.id)
	if !ok {
		return
	}
	rec.Status = status
	rec.Error = errInfo
	c.servers.Set(c.id, rec)
}

func (c *Connection) emit(snap Snapshot) {
	if c.publish != nil {
		c.publish(snap)
	}
}

func (c *Connection) snapshotLocked() Snapshot {
	contents := make(map[string]ResourceContent, len(c.contents))
	for k, v := range c.contents {
		contents[k] = v
	}
	return Snapshot{
		ServerID:          c.id,
		State:             c.state,
		Instructions:      c.instructions,
		Capabilities:      c.caps,
		Tools:             append([]*mcp.Tool(nil), c.tools...),
		Prompts:           append([]*mcp.Prompt(nil), c.prompts...),
		Resources:         append([]*mcp.Resource(nil), c.resources...),
		ResourceTemplates: append([]*mcp.ResourceTemplate(nil), c.templates...),
		Contents:          contents,
	}
}

func (c *Connection) authType() configstore.AuthType {
	rec, ok := c.servers.Get(c.id)
	if !ok || rec.Auth == nil {
		return configstore.AuthNone
	}
	return rec.Auth.Type
}

func (c *Connection) clientName(rec configstore.ServerRecord) string {
	if c.opts.ClientName != "" {
		return c.opts.ClientName
	}
	if rec.Name != "" {
		return rec.Name
	}
	return c.id
}

// clientOptions wires notification handlers that post targeted refresh
// commands back into the mailbox, keeping all state mutation on the run
// goroutine.
func (c *Connection) clientOptions(gen uint64) *mcp.ClientOptions {
	return &mcp.ClientOptions{
		ToolListChangedHandler: func(context.Context, *mcp.ToolListChangedRequest) {
			c.send(command{kind: cmdRefreshTools, generation: gen})
		},
		PromptListChangedHandler: func(context.Context, *mcp.PromptListChangedRequest) {
			c.send(command{kind: cmdRefreshPrompts, generation: gen})
		},
		ResourceListChangedHandler: func(context.Context, *mcp.ResourceListChangedRequest) {
			c.send(command{kind: cmdRefreshResources, generation: gen})
		},
		ResourceUpdatedHandler: func(_ context.Context, req *mcp.ResourceUpdatedNotificationRequest) {
			if req != nil && req.Params != nil {
				c.send(command{kind: cmdReadResource, uri: req.Params.URI, generation: gen})
			}
		},
	}
}

// currentSession returns the live protocol session for forwarding.
func (c *Connection) currentSession() (*mcp.ClientSession, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return nil, fmt.Errorf("mcpconn: %q is not connected", c.id)
	}
	return c.session, nil
}

// CallTool forwards a tool invocation using the server's original tool name.
func (c *Connection) CallTool(ctx context.Context, name string, args any) (*mcp.CallToolResult, error) {
	session, err := c.currentSession()
	if err != nil {
		return nil, err
	}
	return session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
}

// GetPrompt forwards a prompt fetch using the server's original prompt name.
func (c *Connection) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	session, err := c.currentSession()
	if err != nil {
		return nil, err
	}
	return session.GetPrompt(ctx, &mcp.GetPromptParams{Name: name, Arguments: args})
}

// FetchResource forwards a resource read using the server's original URI,
// bypassing the snapshot cache.
func (c *Connection) FetchResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	session, err := c.currentSession()
	if err != nil {
		return nil, err
	}
	return session.ReadResource(ctx, &mcp.ReadResourceParams{URI: uri})
}

// Complete forwards a completion request with an already de-namespaced ref.
func (c *Connection) Complete(ctx context.Context, params *mcp.CompleteParams) (*mcp.CompleteResult, error) {
	session, err := c.currentSession()
	if err != nil {
		return nil, err
	}
	return session.Complete(ctx, params)
}
