package cluster

import (
	"time"

	"github.com/c360/pitwall/pubsub"
)

// MemberEventType is a membership transition reported by the membership
// transport.
type MemberEventType string

// Membership transitions
const (
	MemberUp          MemberEventType = "member_up"
	MemberDown        MemberEventType = "member_down"
	MemberUnreachable MemberEventType = "member_unreachable"
	MemberReachable   MemberEventType = "member_reachable"
)

// Counts reports whether the member counts as present after this event.
func (t MemberEventType) Counts() bool {
	return t == MemberUp || t == MemberReachable
}

// MemberEvent is one membership change for one node.
type MemberEvent struct {
	Type   MemberEventType `json:"type"`
	Member string          `json:"member"`
	Roles  []pubsub.Role   `json:"roles"`
	At     time.Time       `json:"at"`
}

// HasRole reports whether the member carries role.
func (e MemberEvent) HasRole(role pubsub.Role) bool {
	for _, r := range e.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Signal is an increase or decrease of the members in a role.
type Signal struct {
	Role   pubsub.Role
	Member string
	Delta  int
}
