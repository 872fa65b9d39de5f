package engine

import (
	"sync"

	"github.com/roach88/convsync/internal/model"
	"github.com/roach88/convsync/internal/protocol"
)

// UserSyncFunc receives the outcome of a RequestUserSync.
type UserSyncFunc func(model.User, error)

type userRequest struct {
	uuid string
	done UserSyncFunc
}

// inbox is the engine's thread-safe work list.
//
// Envelopes are kept in arrival order. User-sync requests live on a side
// list so they can be served between envelopes, and a reconnect request is
// a single flag: asking twice before the loop notices is one reconnect.
//
// The inbox uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type inbox struct {
	mu        sync.Mutex
	envelopes []protocol.Envelope
	users     []userRequest
	reconnect bool
	closed    bool
	signal    chan struct{} // buffered, size 1
}

func newInbox() *inbox {
	return &inbox{
		envelopes: make([]protocol.Envelope, 0, 64),
		signal:    make(chan struct{}, 1),
	}
}

// notifyLocked wakes the loop. The buffer of 1 coalesces signals.
func (q *inbox) notifyLocked() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Push appends an envelope. Returns false if the inbox is closed.
func (q *inbox) Push(env protocol.Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.envelopes = append(q.envelopes, env)
	q.notifyLocked()
	return true
}

// PushUser adds a user-sync request. Returns false if the inbox is closed.
func (q *inbox) PushUser(r userRequest) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.users = append(q.users, r)
	q.notifyLocked()
	return true
}

// RequestReconnect raises the reconnect flag.
func (q *inbox) RequestReconnect() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.reconnect = true
	q.notifyLocked()
	return true
}

// TryPop removes and returns the oldest envelope without blocking.
func (q *inbox) TryPop() (protocol.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.envelopes) == 0 {
		return protocol.Envelope{}, false
	}
	env := q.envelopes[0]
	// Release the body map for GC.
	q.envelopes[0] = protocol.Envelope{}
	if len(q.envelopes) == 1 {
		q.envelopes = q.envelopes[:0]
	} else {
		q.envelopes = q.envelopes[1:]
	}
	return env, true
}

// TakeUsers removes and returns every pending user-sync request.
func (q *inbox) TakeUsers() []userRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.users
	q.users = nil
	return out
}

// TakeReconnect reports and clears the reconnect flag.
func (q *inbox) TakeReconnect() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	r := q.reconnect
	q.reconnect = false
	return r
}

// Discard drops every pending envelope and returns how many there were.
func (q *inbox) Discard() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.envelopes)
	clear(q.envelopes)
	q.envelopes = q.envelopes[:0]
	return n
}

// Wait returns a channel that signals when work may be available.
// It is closed by Close.
func (q *inbox) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of pending envelopes.
func (q *inbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.envelopes)
}

// Close rejects further work and wakes any waiter. Pending user-sync
// requests are returned so their callbacks can be told.
func (q *inbox) Close() []userRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.signal)
	out := q.users
	q.users = nil
	return out
}
