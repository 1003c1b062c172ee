// Package config loads and validates the parcel daemon configuration from
// TOML. Defaults live in defaults.go; Load applies the file on top of them
// and Validate rejects configurations the daemon could not run with.
package config
