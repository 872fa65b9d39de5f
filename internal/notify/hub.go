package notify

import (
	"sync"
	"sync/atomic"
)

// Hub fans batches out to subscribers. Publishing never blocks on a slow
// subscriber: each subscription owns an unbounded mailbox drained by its
// own goroutine.
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	seq atomic.Int64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a new subscriber. The returned subscription receives
// every batch published after this call.
func (h *Hub) Subscribe() *Subscription {
	s := &Subscription{
		hub:    h,
		signal: make(chan struct{}, 1),
		out:    make(chan Batch),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.closeOnce.Do(func() { close(s.done) })
		close(s.out)
		return s
	}
	h.nextID++
	s.id = h.nextID
	h.subs[s.id] = s
	h.mu.Unlock()

	go s.pump()
	return s
}

// Publish delivers items as one batch. Empty publishes are dropped.
func (h *Hub) Publish(items ...Notification) {
	if len(items) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	b := Batch{Seq: h.seq.Add(1), Items: items}
	for _, s := range h.subs {
		s.push(b)
	}
}

// Flush publishes the buffer's content as one batch and resets it.
func (h *Hub) Flush(buf *Buffer) {
	items := buf.Items()
	buf.Reset()
	h.Publish(items...)
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[uint64]*Subscription)
	h.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// Subscription is a handle on one subscriber's stream.
//
// Closing it unregisters from the hub and closes C; batches that were
// published but not yet received are discarded.
type Subscription struct {
	id  uint64
	hub *Hub

	mu      sync.Mutex
	pending []Batch

	signal    chan struct{}
	out       chan Batch
	done      chan struct{}
	closeOnce sync.Once
}

// C returns the delivery channel. It is closed after Close.
func (s *Subscription) C() <-chan Batch { return s.out }

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s.id)
	s.stop()
}

func (s *Subscription) stop() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Subscription) push(b Batch) {
	s.mu.Lock()
	s.pending = append(s.pending, b)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) next() (Batch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return Batch{}, false
	}
	b := s.pending[0]
	s.pending[0] = Batch{}
	s.pending = s.pending[1:]
	return b, true
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		b, ok := s.next()
		if !ok {
			select {
			case <-s.done:
				return
			case <-s.signal:
				continue
			}
		}
		select {
		case <-s.done:
			return
		case s.out <- b:
		}
	}
}
