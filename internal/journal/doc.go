// Package journal keeps an append-only SQLite record of published status
// transitions for operator debugging. It is observability, not authority:
// the manager never reads it back to rebuild state.
package journal
