// Package protocol defines the wire-level event model exchanged with the
// conversation service.
//
// It owns the closed catalog of event types and their compact numeric codes
// used for persistence, the inbound Envelope with schema validation, typed
// views over the otherwise opaque event body, and the ordering key (the
// server-assigned per-conversation event id, a string-encoded integer).
//
// Nothing in this package touches storage or the network; it is imported by
// every other layer.
package protocol
