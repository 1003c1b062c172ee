// Package ipc exposes daemon control to the parcel CLI via JSON-RPC over a
// Unix domain socket.
package ipc
