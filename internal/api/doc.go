// Package api exposes the messaging service over HTTP JSON.
//
// Routes (all /api routes require authentication, see package auth):
//
//	POST /api/conversations                  find or create a conversation with another participant
//	GET  /api/conversations?q=               the caller's inbox, most recently active first
//	GET  /api/conversations/{id}             one conversation
//	GET  /api/conversations/{id}/messages    ordered history
//	POST /api/conversations/{id}/messages    send (client_message_id makes retries safe)
//	POST /api/conversations/{id}/read        mark the other side's messages read
//	GET  /api/conversations/{id}/unread      the caller's unread count
//	GET  /api/conversations/{id}/events      server-sent events: message, read
//	PUT  /api/profiles/me                    upsert the caller's profile summary
//	PUT  /api/contexts/{id}                  upsert a context record title
//	GET  /health, /health/ready              liveness and store readiness
//
// Errors are JSON objects with a single "error" field. Validation failures are
// 400, non-participants 403, unknown conversations 404 and store failures 503.
package api
