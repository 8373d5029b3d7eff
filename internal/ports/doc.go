// Package ports defines the interfaces between the replication master's
// core and its collaborators: the outbound transmitter on one side and
// the storage engine's log subsystem on the other.
//
// The controller and shipper depend only on these interfaces, so the
// transport can be swapped for fakes in tests and the engine integration
// stays a narrow seam.
package ports
