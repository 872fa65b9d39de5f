// Package store provides the local, durable mirror of conversation state.
//
// Two layers live here:
//
//   - Store: SQLite tables for conversations, users, members, events,
//     receipts and tasks. Every write is synchronous; a failed write fails
//     the call and nothing at this layer retries.
//   - Repo: the read/write path used by the rest of the module. It fronts
//     the tables with an identity cache (see Cache) so that concurrent
//     readers of one uuid share a single Entry, and it owns the lazily paged
//     per-conversation EventView.
//
// # Ordering
//
// Confirmed events are ordered by their server id (column seq). Drafts have
// no server id and sort after every confirmed event, in insertion order:
//
//	ORDER BY seq IS NULL, seq, rowid
//
// # Atomic effects
//
// Multi-row effects run in one transaction: inserting a draft together with
// its send task, replacing a draft by its server echo, and applying a
// delete. No reader can observe a state where both a draft and its echo
// exist.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: 5 second wait for locks
//   - foreign_keys=ON: Referential integrity
package store
