// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// The store package exposes four narrow interfaces that SQLiteStore and
// MockStore both implement:
//
//   - HistoryStore: conversations and messages
//   - ConfigStore: published and personal configuration overrides
//   - UserStore: tenant users and token usage counters
//   - AuditStore: who changed which configuration tier, and when
//
// Store composes all four plus Close.
//
// # Keys
//
// Every history row is addressed by a composite partition key so one tenant's
// users can never reach another's data through any query:
//
//   - conversations: "tenant#user" + conversation id
//   - messages: "tenant#user#conversation" + message id
//
// Each table has an index on (partition_key, updated_at) that serves both
// ascending and descending chronological listing without a scan.
//
// Config overrides share one table. The published tier for a tenant uses
// the key "default"; personal tiers use the user id.
//
// # Deletion
//
// DeleteConversation reads the message ids of a conversation, deletes them
// row by row and only then removes the conversation row. There is no
// multi-row transaction; a failure in between leaves a conversation with
// fewer messages. Retrying the whole deletion is safe.
//
// # Timestamps
//
// Timestamps are stored as fixed-width UTC text with microsecond precision,
// so lexicographic order equals chronological order.
package store
