// Package remote implements the HTTP client for the address-manager REST
// API. It owns session authentication with transparent renewal, maps
// response statuses onto the engine's error classes, resolves hierarchical
// resource paths to remote identifiers and follows paginated collection
// listings. Retry policy stays with the engine's executor; the client only
// classifies.
package remote
