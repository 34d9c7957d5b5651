// Package handlers provides the resource-type handlers the executor
// dispatches operations to. The generic handler serves every catalog type
// through the remote client; WASM plugin handlers loaded from manifest
// directories serve custom resource types alongside it.
package handlers
