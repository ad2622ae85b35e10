package mcphub

import (
	"context"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// opContext bounds one routed operation with the configured route timeout.
func (h *Hub) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.opts.RouteTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, h.opts.RouteTimeout)
}

// CallTool routes a namespaced tool call to its origin backend using the
// original tool name. An unknown name fails with NotFoundError before any
// network traffic.
func (h *Hub) CallTool(ctx context.Context, name string, args any) (*mcp.CallToolResult, error) {
	tool, ok := h.Catalog().Tool(name)
	if !ok {
		return nil, &NotFoundError{Kind: "tool", Name: name}
	}
	conn, found := h.connection(tool.Source.Server)
	if !found {
		return nil, &NotFoundError{Kind: "tool", Name: name}
	}
	ctx, cancel := h.opContext(ctx)
	defer cancel()
	return conn.CallTool(ctx, tool.Source.Name, args)
}

// GetPrompt routes a namespaced prompt fetch.
func (h *Hub) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	prompt, ok := h.Catalog().Prompt(name)
	if !ok {
		return nil, &NotFoundError{Kind: "prompt", Name: name}
	}
	conn, found := h.connection(prompt.Source.Server)
	if !found {
		return nil, &NotFoundError{Kind: "prompt", Name: name}
	}
	ctx, cancel := h.opContext(ctx)
	defer cancel()
	return conn.GetPrompt(ctx, prompt.Source.Name, args)
}

// ReadResource routes a namespaced resource read. Exact URIs resolve
// against listed resources; URIs under a server that only advertises
// templates are forwarded as-is, since the backend owns its URI space.
func (h *Hub) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	cat := h.Catalog()
	if res, ok := cat.Resource(uri); ok {
		conn, found := h.connection(res.Source.Server)
		if !found {
			return nil, &NotFoundError{Kind: "resource", Name: uri}
		}
		ctx, cancel := h.opContext(ctx)
		defer cancel()
		return conn.FetchResource(ctx, res.Source.URI)
	}

	serverID, original, ok := SplitNamespaced(uri)
	if !ok || len(cat.TemplatesFor(serverID)) == 0 {
		return nil, &NotFoundError{Kind: "resource", Name: uri}
	}
	conn, found := h.connection(serverID)
	if !found {
		return nil, &NotFoundError{Kind: "resource", Name: uri}
	}
	ctx, cancel := h.opContext(ctx)
	defer cancel()
	return conn.FetchResource(ctx, original)
}

// Complete routes a completion request, de-namespacing the prompt name or
// resource URI carried in the ref.
func (h *Hub) Complete(ctx context.Context, params *mcp.CompleteParams) (*mcp.CompleteResult, error) {
	if params == nil || params.Ref == nil {
		return nil, &NotFoundError{Kind: "server", Name: ""}
	}

	var serverID string
	forwarded := *params
	ref := *params.Ref
	forwarded.Ref = &ref

	switch {
	case strings.EqualFold(ref.Type, "ref/prompt"):
		prompt, ok := h.Catalog().Prompt(ref.Name)
		if !ok {
			return nil, &NotFoundError{Kind: "prompt", Name: ref.Name}
		}
		serverID = prompt.Source.Server
		ref.Name = prompt.Source.Name
	case strings.EqualFold(ref.Type, "ref/resource"):
		res, ok := h.Catalog().Resource(ref.URI)
		if ok {
			serverID = res.Source.Server
			ref.URI = res.Source.URI
			break
		}
		sid, original, split := SplitNamespaced(ref.URI)
		if !split || len(h.Catalog().TemplatesFor(sid)) == 0 {
			return nil, &NotFoundError{Kind: "resource", Name: ref.URI}
		}
		serverID = sid
		ref.URI = original
	default:
		return nil, &NotFoundError{Kind: "server", Name: ref.Type}
	}

	conn, found := h.connection(serverID)
	if !found {
		return nil, &NotFoundError{Kind: "server", Name: serverID}
	}
	ctx, cancel := h.opContext(ctx)
	defer cancel()
	return conn.Complete(ctx, &forwarded)
}
