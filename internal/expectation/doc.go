// Package expectation defines the declarative work unit of the package
// manager: what package should exist where, at which version, and how its
// lifecycle is tracked. Expectations are produced upstream and are immutable
// by id; a changed definition is a restart, not an edit.
package expectation
