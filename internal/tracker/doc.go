// Package tracker holds the expectation manager's authoritative in-memory
// tables: tracked expectations and tracked package containers. The store
// diffs upstream submissions against what it already tracks; all state
// mutation beyond submission happens on the manager's evaluation loop.
package tracker
