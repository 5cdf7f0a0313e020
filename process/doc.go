// Package process owns the lifecycle of the wrapped tool server: one child
// process speaking line-delimited JSON-RPC on stdin/stdout and free-form
// diagnostics on stderr.
//
// A Supervisor manages exactly one child instance:
//
//	absent -> starting -> ready -> exited
//	             \_____________/
//
// Start blocks until the child announces readiness on stderr, the ready
// timeout elapses, the child exits, or a fatal diagnostic is seen. Inbound
// messages, process-level failures and the exit status are published to
// listeners registered with Subscribe. Only the Supervisor reads from or writes
// to the child's pipes.
//
// A Coordinator hands out the live Supervisor and guarantees that concurrent
// callers arriving before the child is ready share a single spawn. Exited
// instances are forgotten and re-created lazily on the next request.
package process
