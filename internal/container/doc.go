// Package container models package containers, the logical places packages
// live in (folders, shares, HTTP endpoints, video-server zones), and the
// accessors used to reach them.
package container
