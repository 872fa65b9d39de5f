package model

import "time"

// ReceiptState advances sending -> delivered -> seen and never back.
type ReceiptState int

const (
	ReceiptSending ReceiptState = iota
	ReceiptDelivered
	ReceiptSeen
)

func (s ReceiptState) String() string {
	switch s {
	case ReceiptDelivered:
		return "delivered"
	case ReceiptSeen:
		return "seen"
	default:
		return "sending"
	}
}

// Receipt tracks one member's delivery state for one event.
type Receipt struct {
	UUID        string
	MemberUUID  string
	EventUUID   string
	State       ReceiptState
	DeliveredAt time.Time
	SeenAt      time.Time
}

// ReceiptUUID is the store key of a receipt.
func ReceiptUUID(memberUUID, eventUUID string) string {
	return memberUUID + ":" + eventUUID
}

// MarkDelivered records delivery at ts. It returns false when the receipt
// was already delivered or seen.
func (r *Receipt) MarkDelivered(ts time.Time) bool {
	if r.State >= ReceiptDelivered {
		return false
	}
	r.State = ReceiptDelivered
	r.DeliveredAt = ts
	return true
}

// MarkSeen records that the event was seen at ts. It returns false when the
// receipt was already seen.
func (r *Receipt) MarkSeen(ts time.Time) bool {
	if r.State >= ReceiptSeen {
		return false
	}
	r.State = ReceiptSeen
	r.SeenAt = ts
	return true
}
