// Package client is a Go client for the locus-dm HTTP API.
//
// Client mirrors the server routes one method per route. Outbox layers
// optimistic sending on top: a message is shown as pending at once, then
// confirmed with the server copy or marked failed and retried with the same
// client message id so the server returns the original instead of a duplicate.
package client
