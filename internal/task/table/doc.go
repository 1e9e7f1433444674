// Package table holds the fixed registry of task descriptors.
//
// Tasks are registered once through a Builder during initialization. Freeze
// turns the builder into an immutable Table indexed by Handle; nothing can be
// added or removed afterwards, so a Table may be read from any goroutine
// without locking.
package table
