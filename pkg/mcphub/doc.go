// Package mcphub aggregates many MCP backend connections behind one merged,
// collision-free capability catalog. The Hub reconciles the server
// configuration store against a live connection map, rebuilds the namespaced
// catalog whenever any connection publishes a new snapshot, and routes
// namespaced tool calls, resource reads, prompt fetches, and completion
// requests back to the owning backend. It also keeps a short-lived auxiliary
// client cache for one-off per-session operations and can ingest server
// advertisements published by a well-known bootstrap registry connection.
package mcphub
