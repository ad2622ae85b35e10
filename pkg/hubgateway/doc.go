// Package hubgateway republishes a hub's merged catalog as a single
// streamable MCP server over HTTP. Downstream clients see one endpoint with
// namespaced tools, prompts, and resources; every call is routed back
// through the hub to the owning backend.
package hubgateway
