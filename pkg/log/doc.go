// Package log provides the structured logging abstraction used across
// the replication master.
//
// Components depend on the [Logger] interface only. The concrete backend
// is chosen at the edge: [NewZerologAdapter] for the CLI, [NewNoopLogger]
// for embedded use without output, or any caller-provided implementation.
package log
