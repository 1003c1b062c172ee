// Package objhash produces canonical, order-independent hashes of Go values.
// Map iteration order and slice-of-set ordering do not affect the result, so
// two structurally equal values always hash the same. Used to detect changed
// expectation definitions at ingest.
package objhash
