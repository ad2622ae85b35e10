// Package mcpconn implements the per-backend connection actor: a typed
// state machine driving the MCP handshake, capability discovery, interactive
// authorization, and failure/retry behavior for one server. Each Connection
// runs a single goroutine that owns all mutable state; the hub steers it
// exclusively through named commands (Retry, Authenticate, Cleanup,
// ReadResource) and observes it through published snapshots and the status
// written back to the owning ServerRecord.
package mcpconn
