// Package logging centralizes slog construction and the structured attribute
// conventions shared by every parcel component. All log statements go through
// the typed attr helpers so field names stay consistent across the daemon,
// the manager, and workers.
package logging
