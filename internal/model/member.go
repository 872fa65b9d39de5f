package model

import (
	"fmt"
	"strings"
	"time"
)

// MemberState is the lifecycle state of a membership. Numeric values are
// persisted.
type MemberState int

const (
	MemberJoined  MemberState = 0
	MemberInvited MemberState = 1
	MemberLeft    MemberState = 2
	MemberUnknown MemberState = 3
)

func (s MemberState) String() string {
	switch s {
	case MemberJoined:
		return "joined"
	case MemberInvited:
		return "invited"
	case MemberLeft:
		return "left"
	default:
		return "unknown"
	}
}

// ParseMemberState maps the server's state names ("JOINED", "invited", ...).
func ParseMemberState(s string) MemberState {
	switch strings.ToLower(s) {
	case "joined":
		return MemberJoined
	case "invited":
		return MemberInvited
	case "left":
		return MemberLeft
	default:
		return MemberUnknown
	}
}

// rank orders states along the only allowed direction of travel.
func (s MemberState) rank() int {
	switch s {
	case MemberInvited:
		return 1
	case MemberJoined:
		return 2
	case MemberLeft:
		return 3
	default:
		return 0
	}
}

// Media is a member's call media state.
type Media struct {
	AudioEnabled bool
	Muted        bool
	Earmuffed    bool
}

// Member is one user's participation in one conversation across one
// invite/join/leave lifecycle.
type Member struct {
	UUID             string
	ConversationUUID string
	UserUUID         string
	State            MemberState
	InvitedBy        string
	Timestamps       map[MemberState]time.Time
	Media            Media
}

// Advance moves the member to state at ts. Regressions (e.g. left back to
// joined) are refused; a rejoin is a new Member row.
func (m *Member) Advance(state MemberState, ts time.Time) error {
	if state.rank() < m.State.rank() {
		return fmt.Errorf("member %s: state %s cannot follow %s", m.UUID, state, m.State)
	}
	m.State = state
	if !ts.IsZero() {
		if m.Timestamps == nil {
			m.Timestamps = make(map[MemberState]time.Time)
		}
		m.Timestamps[state] = ts
	}
	return nil
}

// Equal reports whether two member records carry the same observable state.
func (m Member) Equal(o Member) bool {
	if m.UUID != o.UUID || m.ConversationUUID != o.ConversationUUID ||
		m.UserUUID != o.UserUUID || m.State != o.State ||
		m.InvitedBy != o.InvitedBy || m.Media != o.Media {
		return false
	}
	if len(m.Timestamps) != len(o.Timestamps) {
		return false
	}
	for k, v := range m.Timestamps {
		if !o.Timestamps[k].Equal(v) {
			return false
		}
	}
	return true
}

// OurMemberRecord picks the member row that represents user in a
// conversation: the most recent joined row if any, else the most recent
// row. members must be ordered oldest first.
func OurMemberRecord(members []Member, user string) (Member, bool) {
	var last, lastJoined *Member
	for i := range members {
		m := &members[i]
		if m.UserUUID != user {
			continue
		}
		last = m
		if m.State == MemberJoined {
			lastJoined = m
		}
	}
	switch {
	case lastJoined != nil:
		return *lastJoined, true
	case last != nil:
		return *last, true
	}
	return Member{}, false
}
