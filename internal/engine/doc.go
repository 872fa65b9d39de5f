// Package engine implements the synchronization engine: the single writer
// that mirrors server-authoritative conversations, members, users and
// events into the local store.
//
// ARCHITECTURE:
//
// Single-Writer Loop:
// Run owns every mutation of conversation, member, user and server-event
// state. External callers only enqueue work on the inbox:
//   - Submit: an inbound envelope from the push channel
//   - RequestUserSync: refresh one user record, with a completion callback
//   - Reconnect: leave the failed state and run a full sync
//
// Remote calls take the Run context and block the loop goroutine while in
// flight. This keeps a total order of state mutation; the Go runtime parks
// the goroutine, so no OS thread is held.
//
// Ordering:
// Each conversation records the index of the last applied event. Inbound
// events at or below it are skipped. An event beyond index+1 means events
// are missing, and the conversation is backfilled from the server instead,
// so ids are always applied in strictly increasing order.
//
// Notifications:
// Everything derived from one sync unit (one conversation sync, or one
// inbound event) is collected in a notify.Buffer and published as a single
// batch once the unit succeeded.
//
// Failure:
// Malformed payloads, request failures and invalid sessions move the engine
// to StateFailed, where inbound events are dropped until Reconnect. A
// conversation the server no longer knows is deleted locally and skipped
// for the rest of the session.
package engine
