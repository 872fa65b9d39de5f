package notify

// Batch is the unit of delivery.
type Batch struct {
	// Seq increases by one per published batch.
	Seq   int64
	Items []Notification
}

// Buffer collects notifications for one sync unit. Conversation-level
// notifications are coalesced: adding "conversation modified" twice for the
// same conversation keeps the first.
type Buffer struct {
	items []Notification
	keys  map[string]struct{}
}

// Add appends notifications, dropping coalesced duplicates.
func (b *Buffer) Add(ns ...Notification) {
	for _, n := range ns {
		if c, ok := n.(coalescer); ok {
			if b.keys == nil {
				b.keys = make(map[string]struct{})
			}
			key := c.coalesceKey()
			if _, dup := b.keys[key]; dup {
				continue
			}
			b.keys[key] = struct{}{}
		}
		b.items = append(b.items, n)
	}
}

// Len returns the number of buffered notifications.
func (b *Buffer) Len() int { return len(b.items) }

// Items returns the buffered notifications in insertion order.
func (b *Buffer) Items() []Notification { return b.items }

// Reset empties the buffer.
func (b *Buffer) Reset() {
	b.items = nil
	b.keys = nil
}
