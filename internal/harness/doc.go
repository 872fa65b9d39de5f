// Package harness runs end-to-end client scenarios against an in-memory
// conversation server.
//
// A scenario seeds the server, drives a real client through a list of
// steps and checks the outcome with assertions. Every step waits until
// the engine has handled what it caused, so the final store contents are
// deterministic and can be compared against a golden snapshot.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: send_and_echo
//	description: "A sent text replaces its draft when the echo arrives"
//	user: USR-ME
//	users:
//	  - { uuid: USR-ME, name: me }
//	  - { uuid: USR-2, name: alice }
//	conversations:
//	  - uuid: CON-1
//	    name: general
//	    members:
//	      - { uuid: MEM-ME, user: USR-ME, state: JOINED }
//	      - { uuid: MEM-2, user: USR-2, state: JOINED }
//	    events:
//	      - { from: MEM-2, type: text, body: { text: hi } }
//	steps:
//	  - op: start
//	  - op: send_text
//	    conversation: CON-1
//	    text: hello
//	assertions:
//	  - type: timeline
//	    conversation: CON-1
//	    texts: [hi, hello]
//	  - type: notified
//	    kind: event-sent
//
// # Steps
//
//   - start: start the client and wait for the first full sync
//   - server: append an event to the server log; push: true also delivers it
//   - push: deliver every server event the client has not applied yet
//   - send_text: send a text, then deliver its echo
//   - mark_seen, delete: schedule the task and deliver the resulting events
//   - reconnect: request a full sync and wait for it
//   - remove_conversation: make the server forget a conversation
//   - fail_next: inject a remote error for the next call of an operation
//   - await_tasks: wait until the task queue holds count tasks
//
// # Assertions
//
//   - notified / not_notified: a notification kind appeared (or not),
//     optionally for one conversation, member or event
//   - timeline: the text bodies of a conversation's timeline, in order
//   - index: the last applied event index of a conversation
//   - member: a member's state
//   - receipt: one member's receipt state for an event
//   - tasks: the number of persisted tasks
//   - state: the engine state
//   - absent: a conversation is not in the local store
package harness
