package mcpconn

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// scheduleReads pulls snapshot content for every listed resource that has no
// cached copy yet. Reads run off the loop goroutine; a per-URI pending set
// collapses duplicate requests.
func (c *Connection) scheduleReads(ctx context.Context, gen uint64) {
	c.mu.RLock()
	var missing []*mcp.Resource
	for _, r := range c.resources {
		if _, ok := c.contents[r.URI]; !ok {
			missing = append(missing, r)
		}
	}
	c.mu.RUnlock()
	for _, r := range missing {
		c.spawnRead(ctx, gen, r)
	}
}

// readByURI refreshes a single cached resource, looked up in the current
// list so the declared MIME type drives decoding.
func (c *Connection) readByURI(ctx context.Context, uri string) {
	c.mu.RLock()
	var target *mcp.Resource
	for _, r := range c.resources {
		if r.URI == uri {
			target = r
			break
		}
	}
	c.mu.RUnlock()
	if target == nil {
		c.logger.Debug("read requested for unlisted resource", zap.String("uri", uri))
		target = &mcp.Resource{URI: uri}
	}
	c.spawnRead(ctx, c.generation.Load(), target)
}

func (c *Connection) spawnRead(ctx context.Context, gen uint64, r *mcp.Resource) {
	c.mu.Lock()
	if _, busy := c.pending[r.URI]; busy {
		c.mu.Unlock()
		return
	}
	session := c.session
	if session == nil {
		c.mu.Unlock()
		return
	}
	c.pending[r.URI] = struct{}{}
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.pending, r.URI)
			c.mu.Unlock()
		}()

		rctx, cancel := context.WithTimeout(ctx, c.opts.ReadTimeout)
		defer cancel()
		res, err := session.ReadResource(rctx, &mcp.ReadResourceParams{URI: r.URI})
		if err != nil {
			c.logger.Warn("resource read failed", zap.String("uri", r.URI), zap.Error(err))
			return
		}
		if c.generation.Load() != gen {
			return
		}

		content := decodeResourceContent(r, res)
		c.mu.Lock()
		c.contents[r.URI] = content
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.emit(snap)
	}()
}

// decodeResourceContent shapes a read result by the resource's declared MIME
// type: JSON is parsed, plain text kept as a string, anything else stored as
// an opaque blob.
func decodeResourceContent(r *mcp.Resource, res *mcp.ReadResourceResult) ResourceContent {
	content := ResourceContent{URI: r.URI, MIMEType: r.MIMEType}
	if res == nil || len(res.Contents) == 0 {
		return content
	}
	first := res.Contents[0]
	if content.MIMEType == "" {
		content.MIMEType = first.MIMEType
	}

	raw := []byte(first.Text)
	if len(raw) == 0 {
		raw = first.Blob
	}
	switch {
	case strings.Contains(content.MIMEType, "json"):
		var parsed any
		if err := json.Unmarshal(raw, &parsed); err == nil {
			content.JSON = parsed
		} else {
			content.Text = first.Text
			content.Blob = first.Blob
		}
	case strings.HasPrefix(content.MIMEType, "text/"), content.MIMEType == "":
		content.Text = first.Text
	default:
		content.Blob = first.Blob
		content.Text = first.Text
	}
	return content
}
