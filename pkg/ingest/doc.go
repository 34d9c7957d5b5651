// Package ingest turns operator input files into engine records. The CSV
// reader maps header-driven rows onto records and validates them against
// the resource catalog at parse time, so bad input fails with file and
// line numbers instead of surfacing mid-run. An optional Starlark
// transform rewrites or drops records before planning, and an optional
// SFTP source fetches input files from a remote drop zone first.
package ingest
