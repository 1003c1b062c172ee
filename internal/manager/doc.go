// Package manager implements the expectation manager: the per-tenant
// evaluation loop that drives every tracked expectation through its
// lifecycle, selects workers, and publishes status upstream.
//
// The loop is single-threaded and cooperative. One tick visits all tracked
// expectations in snapshot order and advances each at most one state,
// suspending only at remote calls. The tracked tables are mutated on the
// loop goroutine only; worker events and operator commands are queued and
// drained there.
package manager
