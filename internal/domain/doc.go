// Package domain contains the core entities and error taxonomy of the
// replication master: instants, log chunks, and the sentinel errors that
// drive the controller's retry-versus-terminate policy.
//
// The package has no dependencies on transport, logging, or the file
// system and is testable without mocks.
package domain
