// Package ssehttp exposes the wrapped tool server over the HTTP+SSE transport
// of the Model Context Protocol.
//
// # Endpoints
//
//	GET  /health              readiness of the tool server; no authentication
//	GET  /sse                 opens an event stream for a new client session
//	POST /message?sessionId=  submits one JSON-RPC message for that session
//
// The first event on a stream is "endpoint", whose data is the URL the client
// must post to. Subsequent "message" events carry JSON-RPC messages.
//
// # Reply delivery
//
// A deployment picks exactly one ReplyMode. With ReplyDirect the reply to a
// request is the body of the POST that carried it. With ReplyStream the POST
// is acknowledged with 202 and the reply is delivered on the caller's event
// stream. Messages the tool server initiates (notifications and its own
// requests) are broadcast to every open stream in both modes; replies never
// are.
//
// # Fan-out
//
// Streams are fed through a broker.Broker: one namespace per session for
// stream-mode replies and a shared namespace for broadcasts, which the
// Broadcaster fills from the tool server's stdout. With the Redis broker and
// session host several bridge replicas can serve one client population.
package ssehttp
