// Package stores provides the SQLite persistence layer for ipamctl.
// It records sessions, per-operation changelog entries and batch
// checkpoints used for resume, and backs the resolver's persistent
// path cache. The schema lives in embedded migrations applied with
// golang-migrate.
package stores
