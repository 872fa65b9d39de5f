package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/convsync/internal/model"
)

// EventView is a lazily paged, position-ordered view over one
// conversation's timeline. Pages are loaded on first access and dropped by
// Refresh.
type EventView struct {
	store        *Store
	conversation string
	pageSize     int

	mu    sync.Mutex
	count int // -1 until loaded
	pages map[int][]model.Event
	gen   uint64
}

func newEventView(s *Store, conversationUUID string, pageSize int) *EventView {
	return &EventView{
		store:        s,
		conversation: conversationUUID,
		pageSize:     pageSize,
		count:        -1,
		pages:        make(map[int][]model.Event),
	}
}

// Conversation returns the uuid the view belongs to.
func (v *EventView) Conversation() string { return v.conversation }

// Generation increases on every Refresh.
func (v *EventView) Generation() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.gen
}

// Len returns the number of events in the timeline.
func (v *EventView) Len(ctx context.Context) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.count >= 0 {
		return v.count, nil
	}
	n, err := v.store.CountEvents(ctx, v.conversation)
	if err != nil {
		return 0, err
	}
	v.count = n
	return n, nil
}

// At returns the event at position i.
func (v *EventView) At(ctx context.Context, i int) (model.Event, error) {
	if i < 0 {
		return model.Event{}, fmt.Errorf("event view %s: index %d out of range", v.conversation, i)
	}
	page, err := v.Page(ctx, i/v.pageSize)
	if err != nil {
		return model.Event{}, err
	}
	off := i % v.pageSize
	if off >= len(page) {
		return model.Event{}, fmt.Errorf("event view %s: index %d out of range", v.conversation, i)
	}
	return page[off], nil
}

// Page returns page n (zero based).
func (v *EventView) Page(ctx context.Context, n int) ([]model.Event, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if p, ok := v.pages[n]; ok {
		return p, nil
	}
	p, err := v.store.ListEvents(ctx, v.conversation, n*v.pageSize, v.pageSize)
	if err != nil {
		return nil, err
	}
	v.pages[n] = p
	return p, nil
}

// Refresh drops every loaded page so the next access reads the table.
func (v *EventView) Refresh() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.count = -1
	clear(v.pages)
	v.gen++
}
