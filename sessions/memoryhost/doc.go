// Package memoryhost provides an in-memory sessions.Host suitable for a single
// bridge process and for tests. Records are lost on restart.
package memoryhost
