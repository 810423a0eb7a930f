// Package server assembles a locus-dm instance from configuration.
//
// New opens the SQLite store, the presence tracker and, when enabled, the
// notification queue with its deliverer. It then builds the conversation
// service, the inbox assembler and the HTTP API on one ServeMux. Serve runs
// HTTP and the notification workers until its context is cancelled, then
// shuts down within five seconds.
package server
