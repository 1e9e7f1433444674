// Package storage persists the dispatch trace.
//
// Two backends exist:
//   - "file": JSON Lines files, no dependencies
//   - "sqlite": a SQLite database (build with -tags sqlite)
//
// A trace is grouped in sessions, one per process start.
package storage
