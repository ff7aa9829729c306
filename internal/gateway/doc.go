// Package gateway orchestrates the coursechat-gateway server components.
//
// # Overview
//
// The gateway package owns every long-lived collaborator: the history store,
// the tenant registry and resolver, the backend adapters, the conversation
// service, the optional Redis rate limiter and the HTTP and gRPC servers.
//
// # HTTP API
//
// All routes except health require a session token, either as a Bearer
// Authorization header or in the configured session cookie.
//
//   - POST /conversation - Run a turn without history
//   - POST /history/generate - Store the user message and run a turn
//   - POST /history/update - Store the assistant reply
//   - GET /history/list - List conversations (offset, order)
//   - POST /history/read - Read one conversation's messages
//   - POST /history/rename - Rename a conversation
//   - POST /history/clear - Delete a conversation's messages
//   - DELETE /history/delete - Delete a conversation
//   - DELETE /history/delete_all - Delete every conversation of the caller
//   - GET /history/ensure - Check the history store
//   - GET /config - Effective configuration, role gated
//   - POST /config/welcomeMessage, /config/systemMessage - Instructor overrides
//   - GET /health, GET /health/ready - Liveness and readiness
//
// The /config routes are also served under /lti for the launch frontend.
//
// # Streaming
//
// Streaming backends answer with application/x-ndjson, one envelope per line,
// each carrying the full reply so far:
//
//	{"id":"...","choices":[{"messages":[{"role":"assistant","content":"Hel"}]}],...}
//	{"id":"...","choices":[{"messages":[{"role":"assistant","content":"Hello"}]}],...}
//
// A failure after the first line is reported as a final {"error": msg} line.
//
// # Errors
//
// Every non-streamed failure is a JSON object {"error": msg}. Configuration
// errors are 400, unknown conversations 404, store and backend faults 500.
//
// # gRPC
//
// The standard grpc.health.v1.Health service reports SERVING while the
// history store answers its health check.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//	...
//	cancel()
package gateway
