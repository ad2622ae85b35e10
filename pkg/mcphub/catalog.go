package mcphub

import (
	"sort"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-hub-go/pkg/mcpconn"
)

// NamespaceSeparator joins a server id and an original capability name.
const NamespaceSeparator = ":"

// NamespacedName prefixes name with its origin server id.
func NamespacedName(serverID, name string) string {
	return serverID + NamespaceSeparator + name
}

// SplitNamespaced reverses NamespacedName. The original part may itself
// contain separators (URIs do), so only the first one splits.
func SplitNamespaced(name string) (serverID, original string, ok bool) {
	i := strings.Index(name, NamespaceSeparator)
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}

// Source records where a namespaced item came from, making every namespaced
// name reversible to its origin tuple.
type Source struct {
	Server string
	Name   string
	URI    string
}

// Tool is a namespaced tool plus its origin.
type Tool struct {
	Tool   *mcp.Tool
	Source Source
}

// Prompt is a namespaced prompt plus its origin.
type Prompt struct {
	Prompt *mcp.Prompt
	Source Source
}

// Resource is a namespaced resource plus its origin and any cached snapshot
// content pulled by the owning connection.
type Resource struct {
	Resource *mcp.Resource
	Source   Source
	Content  *mcpconn.ResourceContent
}

// ResourceTemplate is a namespaced resource template plus its origin.
type ResourceTemplate struct {
	Template *mcp.ResourceTemplate
	Source   Source
}

// Catalog is the merged view over every ready connection. It is rebuilt
// from scratch on each snapshot publish, never patched incrementally.
type Catalog struct {
	Tools             []Tool
	Prompts           []Prompt
	Resources         []Resource
	ResourceTemplates []ResourceTemplate
	// Instructions maps server id to the instructions string returned by
	// that server's initialize handshake.
	Instructions map[string]string

	toolsByName       map[string]Tool
	promptsByName     map[string]Prompt
	resourcesByURI    map[string]Resource
	templatesByServer map[string][]ResourceTemplate
}

// Tool resolves a namespaced tool name.
func (c Catalog) Tool(name string) (Tool, bool) {
	t, ok := c.toolsByName[name]
	return t, ok
}

// Prompt resolves a namespaced prompt name.
func (c Catalog) Prompt(name string) (Prompt, bool) {
	p, ok := c.promptsByName[name]
	return p, ok
}

// Resource resolves a namespaced resource URI.
func (c Catalog) Resource(uri string) (Resource, bool) {
	r, ok := c.resourcesByURI[uri]
	return r, ok
}

// TemplatesFor returns the resource templates one server contributes.
func (c Catalog) TemplatesFor(serverID string) []ResourceTemplate {
	return c.templatesByServer[serverID]
}

// buildCatalog merges connection snapshots into one namespaced catalog.
// Only connections in the ready state contribute; servers are visited in id
// order so rebuilds are deterministic.
func buildCatalog(snaps map[string]mcpconn.Snapshot) Catalog {
	cat := Catalog{
		Instructions:      make(map[string]string),
		toolsByName:       make(map[string]Tool),
		promptsByName:     make(map[string]Prompt),
		resourcesByURI:    make(map[string]Resource),
		templatesByServer: make(map[string][]ResourceTemplate),
	}

	ids := make([]string, 0, len(snaps))
	for id := range snaps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		snap := snaps[id]
		if snap.State != mcpconn.StateReady {
			continue
		}
		if snap.Instructions != "" {
			cat.Instructions[id] = snap.Instructions
		}
		for _, t := range snap.Tools {
			clone := *t
			clone.Name = NamespacedName(id, t.Name)
			item := Tool{Tool: &clone, Source: Source{Server: id, Name: t.Name}}
			cat.Tools = append(cat.Tools, item)
			cat.toolsByName[clone.Name] = item
		}
		for _, p := range snap.Prompts {
			clone := *p
			clone.Name = NamespacedName(id, p.Name)
			item := Prompt{Prompt: &clone, Source: Source{Server: id, Name: p.Name}}
			cat.Prompts = append(cat.Prompts, item)
			cat.promptsByName[clone.Name] = item
		}
		for _, r := range snap.Resources {
			clone := *r
			clone.Name = NamespacedName(id, r.Name)
			clone.URI = NamespacedName(id, r.URI)
			item := Resource{
				Resource: &clone,
				Source:   Source{Server: id, Name: r.Name, URI: r.URI},
			}
			if content, ok := snap.Contents[r.URI]; ok {
				item.Content = &content
			}
			cat.Resources = append(cat.Resources, item)
			cat.resourcesByURI[clone.URI] = item
		}
		for _, rt := range snap.ResourceTemplates {
			clone := *rt
			clone.Name = NamespacedName(id, rt.Name)
			clone.URITemplate = NamespacedName(id, rt.URITemplate)
			item := ResourceTemplate{
				Template: &clone,
				Source:   Source{Server: id, Name: rt.Name, URI: rt.URITemplate},
			}
			cat.ResourceTemplates = append(cat.ResourceTemplates, item)
			cat.templatesByServer[id] = append(cat.templatesByServer[id], item)
		}
	}
	return cat
}
