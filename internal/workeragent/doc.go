// Package workeragent is the expectation manager's view of connected
// workers: one Agent per live worker session, with typed wrappers for the
// worker RPC contract and the assignment bookkeeping that enforces each
// worker's declared concurrency.
package workeragent
