// Package deferred provides request coalescing: when a call with the same
// key is already in flight, later callers join its outcome instead of
// duplicating the call. Used for worker capability probes and container
// queries, where many expectations ask identical questions within one tick.
package deferred
