// Package store provides persistent storage for direct-message conversations using SQLite.
//
// # Architecture
//
// Two interfaces split the write side from the read-only directory data:
//
//   - Store: conversations, the append-only message log and per-participant read state
//   - DirectoryStore: participant profiles and context records used for enrichment
//
// SQLiteStore implements both. MockStore is the in-memory equivalent used by tests
// in other packages and supports injecting failures per method via FailOn.
//
// # Ordering and counters
//
// Every conversation carries a next_seq counter. AppendMessage assigns it as the
// message's Seq and clamps CreatedAt so it never precedes the conversation's last
// activity, which makes (CreatedAt, Seq) a total order that is consistent with
// append order. The recipient's unread counter is incremented in the same
// transaction; MarkRead decrements it by exactly the number of messages it stamps.
// RepairUnreadCounters recomputes every counter from the log.
//
// # Filtering
//
// List queries take a Filter built from Eq, NotEq, In, IsNull, NotNull, And and Or.
// Filters may only reference indexed fields; anything else is rejected.
//
//	msgs, err := s.ListMessages(ctx, store.ListOptions{
//		Filter: store.And(
//			store.Eq(store.FieldConversationID, convID),
//			store.IsNull(store.FieldReadAt),
//		),
//		Order: []store.Order{{Field: store.FieldCreatedAt}},
//	})
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// The pool is limited to a single connection so read-modify-write transactions
// never interleave. Use NewSQLiteStore(":memory:") or a t.TempDir() path in tests.
package store
