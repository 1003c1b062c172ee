// Package status publishes per-expectation and per-container state upstream.
// Updates for the same id coalesce within a publication window, so only the
// latest state in each window is sent; failed publications are retried with
// bounded backoff and are superseded, never silently dropped.
package status
