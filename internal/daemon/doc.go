// Package daemon composes the parcel roles (workforce, expectation manager,
// worker) into one supervised process, guarded by a single-instance lock.
package daemon
