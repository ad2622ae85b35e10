// Package mcpauth supplies per-connection OAuth support for the hub: PKCE
// authorization-code flows, dynamic client registration (RFC 7591), token
// persistence with agent- or session-scoped inheritance, and asynchronous
// wait primitives that resolve when an external redirect handler writes an
// authorization code or tokens into the session store. The package never
// presents URLs to humans itself; it hands the authorization URL to a
// caller-supplied redirect sink and waits for the result to arrive through
// the store's change feed.
package mcpauth
