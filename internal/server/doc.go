// Package server provides the HTTP API of agentchat.
//
// A turn is a long-running streamed request; approval decisions and aborts
// arrive on separate requests and are correlated back into the stream
// through the approval coordinator and the query registry.
//
// # Endpoints
//
//   - POST /api/chat: run a turn, streamed as server-sent events
//   - GET /api/chat/ws: run a turn over a WebSocket, with approve and abort
//     commands on the same connection
//   - POST /api/chat/approve: answer a pending tool approval
//   - POST /api/chat/abort: interrupt a session's pending approvals and query
//   - GET /api/chat/active: running sessions and pending approvals
//   - GET /api/sessions/*: read-only views over the store
//   - GET /event: lifecycle events from the bus
//   - GET /health
//
// # Turn Events
//
// Each SSE frame is written as
//
//	event: <type>
//	data: <json>
//
// with the types init, message, tool_use, tool_approval_request,
// tool_approval_resolved, done and error, always followed by a final end
// frame.
//
// # Errors
//
// Failures use a common shape:
//
//	{"error": {"code": "NOT_FOUND", "message": "..."}}
//
// with the codes INVALID_REQUEST (400), NOT_FOUND (404), CONFLICT (409) and
// INTERNAL_ERROR (500). Internal errors never carry internal detail.
package server
