package mcpconn

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// collectPages drains a cursor-paginated list endpoint. fetch returns one
// page plus the next cursor; an empty cursor ends the sweep.
func collectPages[T any](ctx context.Context, fetch func(ctx context.Context, cursor string) ([]T, string, error)) ([]T, error) {
	var all []T
	cursor := ""
	for {
		page, next, err := fetch(ctx, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if next == "" {
			return all, nil
		}
		cursor = next
	}
}

// discover sweeps all four capability lists concurrently and captures the
// handshake result. Servers that do not implement a list method contribute
// an empty list; any other failure aborts discovery.
func (c *Connection) discover(ctx context.Context) {
	gen := c.generation.Load()
	session, err := c.currentSession()
	if err != nil {
		c.fail(err)
		return
	}

	var (
		tools     []*mcp.Tool
		prompts   []*mcp.Prompt
		resources []*mcp.Resource
		templates []*mcp.ResourceTemplate
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		tools, err = listTools(gctx, session)
		return err
	})
	g.Go(func() error {
		var err error
		prompts, err = listPrompts(gctx, session)
		return err
	})
	g.Go(func() error {
		var err error
		resources, err = listResources(gctx, session)
		return err
	})
	g.Go(func() error {
		var err error
		templates, err = listResourceTemplates(gctx, session)
		return err
	})
	if err := g.Wait(); err != nil {
		c.logger.Warn("discovery failed", zap.Error(err))
		c.fail(fmt.Errorf("mcpconn: discover %q: %w", c.id, err))
		return
	}

	if c.generation.Load() != gen {
		return
	}

	init := session.InitializeResult()
	c.mu.Lock()
	if init != nil {
		c.instructions = init.Instructions
		c.caps = init.Capabilities
	}
	c.tools = tools
	c.prompts = prompts
	c.resources = resources
	c.templates = templates
	c.contents = make(map[string]ResourceContent)
	c.mu.Unlock()
	c.updateServerInfo(init)

	c.logger.Info("discovery complete",
		zap.Int("tools", len(tools)),
		zap.Int("prompts", len(prompts)),
		zap.Int("resources", len(resources)),
		zap.Int("resource_templates", len(templates)))
	c.setState(StateReady, nil)
}

// updateServerInfo records the backend's advertised identity on the record.
func (c *Connection) updateServerInfo(init *mcp.InitializeResult) {
	if init == nil || init.ServerInfo == nil {
		return
	}
	rec, ok := c.servers.Get(c.id)
	if !ok {
		return
	}
	if rec.Name == init.ServerInfo.Name && rec.Version == init.ServerInfo.Version {
		return
	}
	rec.Name = init.ServerInfo.Name
	rec.Version = init.ServerInfo.Version
	c.servers.Set(c.id, rec)
}

func listTools(ctx context.Context, s *mcp.ClientSession) ([]*mcp.Tool, error) {
	return collectPages(ctx, func(ctx context.Context, cursor string) ([]*mcp.Tool, string, error) {
		res, err := s.ListTools(ctx, &mcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			if isMethodUnavailable(err, "tools/list") {
				return nil, "", nil
			}
			return nil, "", err
		}
		return res.Tools, res.NextCursor, nil
	})
}

func listPrompts(ctx context.Context, s *mcp.ClientSession) ([]*mcp.Prompt, error) {
	return collectPages(ctx, func(ctx context.Context, cursor string) ([]*mcp.Prompt, string, error) {
		res, err := s.ListPrompts(ctx, &mcp.ListPromptsParams{Cursor: cursor})
		if err != nil {
			if isMethodUnavailable(err, "prompts/list") {
				return nil, "", nil
			}
			return nil, "", err
		}
		return res.Prompts, res.NextCursor, nil
	})
}

func listResources(ctx context.Context, s *mcp.ClientSession) ([]*mcp.Resource, error) {
	return collectPages(ctx, func(ctx context.Context, cursor string) ([]*mcp.Resource, string, error) {
		res, err := s.ListResources(ctx, &mcp.ListResourcesParams{Cursor: cursor})
		if err != nil {
			if isMethodUnavailable(err, "resources/list") {
				return nil, "", nil
			}
			return nil, "", err
		}
		return res.Resources, res.NextCursor, nil
	})
}

func listResourceTemplates(ctx context.Context, s *mcp.ClientSession) ([]*mcp.ResourceTemplate, error) {
	return collectPages(ctx, func(ctx context.Context, cursor string) ([]*mcp.ResourceTemplate, string, error) {
		res, err := s.ListResourceTemplates(ctx, &mcp.ListResourceTemplatesParams{Cursor: cursor})
		if err != nil {
			if isMethodUnavailable(err, "resources/templates/list") {
				return nil, "", nil
			}
			return nil, "", err
		}
		return res.ResourceTemplates, res.NextCursor, nil
	})
}

// refreshTools re-fetches the tool list after a list-changed notification.
// A transient failure flips the ready sub-cycle to disconnected instead of
// tearing the connection down.
func (c *Connection) refreshTools(ctx context.Context) {
	session, err := c.currentSession()
	if err != nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	tools, err := listTools(rctx, session)
	if err != nil {
		c.logger.Warn("tool refresh failed", zap.Error(err))
		c.setLive(false)
		return
	}
	c.setLive(true)
	c.mu.Lock()
	c.tools = tools
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.emit(snap)
}

func (c *Connection) refreshPrompts(ctx context.Context) {
	session, err := c.currentSession()
	if err != nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	prompts, err := listPrompts(rctx, session)
	if err != nil {
		c.logger.Warn("prompt refresh failed", zap.Error(err))
		c.setLive(false)
		return
	}
	c.setLive(true)
	c.mu.Lock()
	c.prompts = prompts
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.emit(snap)
}

// refreshResources re-fetches resources and templates together; servers
// signal both through the same list-changed notification.
func (c *Connection) refreshResources(ctx context.Context) {
	session, err := c.currentSession()
	if err != nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	resources, err := listResources(rctx, session)
	if err != nil {
		c.logger.Warn("resource refresh failed", zap.Error(err))
		c.setLive(false)
		return
	}
	templates, err := listResourceTemplates(rctx, session)
	if err != nil {
		c.logger.Warn("resource template refresh failed", zap.Error(err))
		c.setLive(false)
		return
	}
	c.setLive(true)
	c.mu.Lock()
	c.resources = resources
	c.templates = templates
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.emit(snap)
	c.scheduleReads(ctx, c.generation.Load())
}
