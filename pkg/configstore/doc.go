// Package configstore defines the replicated configuration store contract
// consumed by the hub: a keyed map with get/set/delete plus change
// subscription, along with the persisted record shapes for server
// configurations and per-session authorization state. The package ships an
// in-memory implementation suitable for single-process deployments; callers
// with multi-process requirements can satisfy Store with any watch-capable
// backend, since the hub depends only on at-least-once, per-key-ordered
// change delivery.
package configstore
