package hubgateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/vikashloomba/mcp-hub-go/pkg/mcphub"
)

// Gateway exposes a Streamable MCP server that fronts every backend the hub
// aggregates under a single HTTP endpoint.
type Gateway struct {
	hub  *mcphub.Hub
	opts Options

	server        *mcp.Server
	streamHandler *mcp.StreamableHTTPHandler
	httpHandler   http.Handler

	serverMu     sync.Mutex
	httpServerMu sync.Mutex
	httpServer   *http.Server

	cancelSub func()

	registeredTools     map[string]struct{}
	registeredPrompts   map[string]struct{}
	registeredResources map[string]struct{}
	registeredTemplates map[string]struct{}
}

// NewGateway builds a Gateway, registers the current catalog, and subscribes
// to catalog rebuilds so downstream clients see live capability updates.
func NewGateway(hub *mcphub.Hub, opts *Options) (*Gateway, error) {
	if hub == nil {
		return nil, fmt.Errorf("hubgateway: hub is required")
	}
	options := opts.withDefaults()
	g := &Gateway{
		hub:                 hub,
		opts:                options,
		registeredTools:     make(map[string]struct{}),
		registeredPrompts:   make(map[string]struct{}),
		registeredResources: make(map[string]struct{}),
		registeredTemplates: make(map[string]struct{}),
	}

	g.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{
		HasTools:          true,
		HasPrompts:        true,
		HasResources:      true,
		CompletionHandler: g.handleComplete,
	})
	g.streamHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return g.server
	}, &options.Streamable)
	g.httpHandler = cors.New(*options.CORS).Handler(g.mountHandler())

	g.apply(hub.Catalog())
	g.cancelSub = hub.Subscribe(g.apply)

	return g, nil
}

// Handler exposes the HTTP handler that serves the Streamable endpoint.
func (g *Gateway) Handler() http.Handler {
	return g.httpHandler
}

// Close stops tracking catalog changes.
func (g *Gateway) Close() {
	if g.cancelSub != nil {
		g.cancelSub()
	}
}

// ListenAndServe runs an HTTP server until the provided context is cancelled
// or the server stops.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	g.httpServerMu.Lock()
	if g.httpServer != nil {
		srv := g.httpServer
		g.httpServerMu.Unlock()
		return fmt.Errorf("hubgateway: server already running on %s", srv.Addr)
	}
	srv := &http.Server{Addr: g.opts.Addr, Handler: g.Handler()}
	g.httpServer = srv
	g.httpServerMu.Unlock()
	defer func() {
		g.httpServerMu.Lock()
		if g.httpServer == srv {
			g.httpServer = nil
		}
		g.httpServerMu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.opts.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server if it is running.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.httpServerMu.Lock()
	srv := g.httpServer
	g.httpServer = nil
	g.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return srv.Shutdown(ctx)
}

// apply reconciles the MCP server's registered features against a rebuilt
// catalog: everything no longer present is removed, everything new added.
func (g *Gateway) apply(cat mcphub.Catalog) {
	g.serverMu.Lock()
	defer g.serverMu.Unlock()

	tools := make(map[string]struct{}, len(cat.Tools))
	for _, t := range cat.Tools {
		tools[t.Tool.Name] = struct{}{}
		if _, ok := g.registeredTools[t.Tool.Name]; !ok {
			g.server.AddTool(t.Tool, g.makeToolHandler(t.Tool.Name))
		}
	}
	if removed := missingKeys(g.registeredTools, tools); len(removed) > 0 {
		g.server.RemoveTools(removed...)
	}
	g.registeredTools = tools

	prompts := make(map[string]struct{}, len(cat.Prompts))
	for _, p := range cat.Prompts {
		prompts[p.Prompt.Name] = struct{}{}
		if _, ok := g.registeredPrompts[p.Prompt.Name]; !ok {
			g.server.AddPrompt(p.Prompt, g.makePromptHandler(p.Prompt.Name))
		}
	}
	if removed := missingKeys(g.registeredPrompts, prompts); len(removed) > 0 {
		g.server.RemovePrompts(removed...)
	}
	g.registeredPrompts = prompts

	resources := make(map[string]struct{}, len(cat.Resources))
	for _, r := range cat.Resources {
		resources[r.Resource.URI] = struct{}{}
		if _, ok := g.registeredResources[r.Resource.URI]; !ok {
			g.server.AddResource(r.Resource, g.makeResourceHandler(r.Resource.URI))
		}
	}
	if removed := missingKeys(g.registeredResources, resources); len(removed) > 0 {
		g.server.RemoveResources(removed...)
	}
	g.registeredResources = resources

	templates := make(map[string]struct{}, len(cat.ResourceTemplates))
	for _, rt := range cat.ResourceTemplates {
		templates[rt.Template.URITemplate] = struct{}{}
		if _, ok := g.registeredTemplates[rt.Template.URITemplate]; !ok {
			g.server.AddResourceTemplate(rt.Template, g.makeResourceHandler(""))
		}
	}
	if removed := missingKeys(g.registeredTemplates, templates); len(removed) > 0 {
		g.server.RemoveResourceTemplates(removed...)
	}
	g.registeredTemplates = templates
}

func missingKeys(old, current map[string]struct{}) []string {
	var gone []string
	for key := range old {
		if _, ok := current[key]; !ok {
			gone = append(gone, key)
		}
	}
	return gone
}

// makeToolHandler forwards a tool call through the hub. A backend failure is
// reported inside the result so downstream clients can render it, rather
// than as a protocol error.
func (g *Gateway) makeToolHandler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := any(nil)
		if req.Params != nil {
			args = req.Params.Arguments
		}
		res, err := g.hub.CallTool(ctx, name, args)
		if err != nil {
			if mcphub.IsNotFound(err) {
				return nil, err
			}
			g.logger().Warn("tool call failed", zap.String("tool", name), zap.Error(err))
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
			}, nil
		}
		return res, nil
	}
}

func (g *Gateway) makePromptHandler(name string) mcp.PromptHandler {
	return func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		var args map[string]string
		if req.Params != nil {
			args = req.Params.Arguments
		}
		return g.hub.GetPrompt(ctx, name, args)
	}
}

// makeResourceHandler serves both fixed resources and template expansions;
// the request URI is authoritative in either case.
func (g *Gateway) makeResourceHandler(uri string) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		target := uri
		if req != nil && req.Params != nil && req.Params.URI != "" {
			target = req.Params.URI
		}
		return g.hub.ReadResource(ctx, target)
	}
}

func (g *Gateway) handleComplete(ctx context.Context, req *mcp.CompleteRequest) (*mcp.CompleteResult, error) {
	if req == nil || req.Params == nil {
		return nil, fmt.Errorf("hubgateway: missing completion params")
	}
	return g.hub.Complete(ctx, req.Params)
}

func (g *Gateway) mountHandler() http.Handler {
	path := g.opts.Path
	if path == "" {
		return g.streamHandler
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	mux := http.NewServeMux()
	mux.Handle(path, g.streamHandler)
	if !strings.HasSuffix(path, "/") {
		mux.Handle(path+"/", g.streamHandler)
	}
	return mux
}

func (g *Gateway) logger() *zap.Logger {
	return g.opts.Logger
}
