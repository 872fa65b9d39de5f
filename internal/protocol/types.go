package protocol

// EventType is the protocol tag of an event, e.g. "text" or "member:joined".
type EventType string

const (
	TypeMemberInvited EventType = "member:invited"
	TypeMemberJoined  EventType = "member:joined"
	TypeMemberLeft    EventType = "member:left"
	TypeMemberMedia   EventType = "member:media"

	TypeText          EventType = "text"
	TypeTextTypingOn  EventType = "text:typing:on"
	TypeTextTypingOff EventType = "text:typing:off"
	TypeTextDelivered EventType = "text:delivered"
	TypeTextSeen      EventType = "text:seen"

	TypeImage          EventType = "image"
	TypeImageDelivered EventType = "image:delivered"
	TypeImageSeen      EventType = "image:seen"

	TypeEventDelete EventType = "event:delete"

	TypeRTCNew       EventType = "rtc:new"
	TypeRTCOffer     EventType = "rtc:offer"
	TypeRTCIce       EventType = "rtc:ice"
	TypeRTCAnswer    EventType = "rtc:answer"
	TypeRTCTerminate EventType = "rtc:terminate"

	TypeAudioPlay         EventType = "audio:play"
	TypeAudioPlayDone     EventType = "audio:play:done"
	TypeAudioSay          EventType = "audio:say"
	TypeAudioSayDone      EventType = "audio:say:done"
	TypeAudioDTMF         EventType = "audio:dtmf"
	TypeAudioRecord       EventType = "audio:record"
	TypeAudioRecordDone   EventType = "audio:record:done"
	TypeAudioMuteOff      EventType = "audio:mute:off"
	TypeAudioEarmuffOff   EventType = "audio:earmuff:off"
	TypeAudioSpeakingOff  EventType = "audio:speaking:off"
	TypeAudioMuteOn       EventType = "audio:mute:on"
	TypeAudioEarmuffOn    EventType = "audio:earmuff:on"
	TypeAudioSpeakingOn   EventType = "audio:speaking:on"
	TypeAudioRingingStart EventType = "audio:ringing:start"
	TypeAudioRingingStop  EventType = "audio:ringing:stop"
	TypeSIPHangup         EventType = "sip:hangup"
)

// Kind partitions event types by how the engine reacts to them.
type Kind int

const (
	KindUnknown Kind = iota
	KindMembership
	KindMessage
	KindReceipt
	KindTyping
	KindDelete
	KindSignal
)

func (k Kind) String() string {
	switch k {
	case KindMembership:
		return "membership"
	case KindMessage:
		return "message"
	case KindReceipt:
		return "receipt"
	case KindTyping:
		return "typing"
	case KindDelete:
		return "delete"
	case KindSignal:
		return "signal"
	default:
		return "unknown"
	}
}

type typeInfo struct {
	t    EventType
	code int
	kind Kind
}

// catalog is ordered by code. Codes are persisted; never renumber.
var catalog = []typeInfo{
	{TypeMemberInvited, 1, KindMembership},
	{TypeMemberJoined, 2, KindMembership},
	{TypeMemberLeft, 3, KindMembership},
	{TypeTextTypingOn, 4, KindTyping},
	{TypeTextTypingOff, 5, KindTyping},
	{TypeText, 6, KindMessage},
	{TypeEventDelete, 7, KindDelete},
	{TypeTextDelivered, 8, KindReceipt},
	{TypeImage, 9, KindMessage},
	{TypeImageDelivered, 10, KindReceipt},
	{TypeTextSeen, 11, KindReceipt},
	{TypeImageSeen, 12, KindReceipt},
	{TypeRTCNew, 13, KindSignal},
	{TypeRTCOffer, 14, KindSignal},
	{TypeRTCIce, 15, KindSignal},
	{TypeRTCAnswer, 16, KindSignal},
	{TypeRTCTerminate, 17, KindSignal},
	{TypeMemberMedia, 18, KindMessage},
	{TypeAudioPlay, 19, KindSignal},
	{TypeAudioPlayDone, 20, KindSignal},
	{TypeAudioSay, 21, KindSignal},
	{TypeAudioSayDone, 22, KindSignal},
	{TypeAudioDTMF, 23, KindSignal},
	{TypeAudioRecord, 24, KindSignal},
	{TypeAudioRecordDone, 25, KindSignal},
	{TypeAudioMuteOff, 26, KindSignal},
	{TypeAudioEarmuffOff, 27, KindSignal},
	{TypeAudioSpeakingOff, 28, KindSignal},
	{TypeAudioMuteOn, 29, KindSignal},
	{TypeAudioEarmuffOn, 30, KindSignal},
	{TypeAudioSpeakingOn, 31, KindSignal},
	{TypeSIPHangup, 32, KindSignal},
	{TypeAudioRingingStart, 33, KindSignal},
	{TypeAudioRingingStop, 34, KindSignal},
}

var (
	byName = make(map[EventType]typeInfo, len(catalog))
	byCode = make(map[int]EventType, len(catalog))
)

func init() {
	for _, info := range catalog {
		byName[info.t] = info
		byCode[info.code] = info.t
	}
}

// Catalog returns every known event type ordered by numeric code.
func Catalog() []EventType {
	out := make([]EventType, len(catalog))
	for i, info := range catalog {
		out[i] = info.t
	}
	return out
}

// Code returns the persisted numeric form of t, or 0 if t is not in the catalog.
func (t EventType) Code() int {
	return byName[t].code
}

// Known reports whether t is part of the closed catalog.
func (t EventType) Known() bool {
	_, ok := byName[t]
	return ok
}

// Kind returns the dispatch category of t. Unrecognised types are KindUnknown.
func (t EventType) Kind() Kind {
	return byName[t].kind
}

// TypeFromCode maps a persisted code back to its event type.
func TypeFromCode(code int) (EventType, bool) {
	t, ok := byCode[code]
	return t, ok
}

// IsSeen reports whether t is a "seen" receipt (as opposed to "delivered").
func (t EventType) IsSeen() bool {
	return t == TypeTextSeen || t == TypeImageSeen
}

// DeliveredType returns the delivered-receipt type for a message type.
// Returns "" for types that do not take receipts.
func DeliveredType(message EventType) EventType {
	switch message {
	case TypeText:
		return TypeTextDelivered
	case TypeImage:
		return TypeImageDelivered
	}
	return ""
}

// SeenType returns the seen-receipt type for a message type.
// Returns "" for types that do not take receipts.
func SeenType(message EventType) EventType {
	switch message {
	case TypeText:
		return TypeTextSeen
	case TypeImage:
		return TypeImageSeen
	}
	return ""
}
