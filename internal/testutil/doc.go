// Package testutil provides testing utilities, mock implementations, and test
// fixtures for the tokensmith library. It includes helpers for creating test
// data and a mock clock for deterministic testing.
package testutil
