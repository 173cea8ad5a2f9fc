// Package backend defines the RPC surface every translation engine exposes,
// the types exchanged with engines, and a registry that selects the client
// for an engine type.
package backend
