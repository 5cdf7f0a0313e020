// Package sessions tracks the client sessions of the SSE transport.
//
// A session is created when a client opens its event stream and names the
// endpoint the client posts to. It records the authenticated principal and
// creation / last-activity times, and is destroyed when the client disconnects
// or when it has been idle longer than the configured threshold.
//
// Layers
//
//	Manager -> lifecycle: open, load (with ownership check), touch, close, reap
//	Host    -> persistence of session records
//
// Implementations
//
//	memoryhost : in-memory, single process
//	redishost  : Redis backed, shared by several bridge replicas
package sessions
