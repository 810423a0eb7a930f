// Package conversation owns the write side of direct messaging.
//
// # Components
//
//   - Resolver: FindOrCreate returns the one conversation for an unordered
//     participant pair. The pair is canonicalized with CanonicalPair and the
//     store's unique index arbitrates concurrent creators.
//   - Log: Append stores a message and ListOrdered returns the history in
//     (CreatedAt, Seq) order.
//   - ReadState: MarkRead and UnreadCount over the store's maintained counters.
//   - Service: the caller-bound surface used by the HTTP API.
//   - EventBroadcaster: in-memory fan-out of stored messages and read receipts
//     for live clients.
//
// # Ordering
//
// Record first, then act. A message is published to subscribers and handed to
// the Notifier only after AppendMessage commits. Notifier failures never reach
// the sender.
//
// # Errors
//
// Callers test results with errors.Is against ErrValidation, ErrNotAParticipant,
// ErrNotFound and ErrPersistence. A lost creation race is resolved internally and
// never surfaces.
package conversation
