// Package testsupport provides shared fixtures for parcel tests.
package testsupport
