package pubsub

import (
	"context"
	stderrors "errors"
	"strings"
)

// Role names a group of nodes that share responsibilities.
type Role string

// Cluster roles
const (
	RoleCoordinator Role = "coordinator"
	RoleShard       Role = "shard"
	RoleIngress     Role = "ingress"
	RoleAPI         Role = "api"
)

// Roles lists every known role.
func Roles() []Role {
	return []Role{RoleCoordinator, RoleShard, RoleIngress, RoleAPI}
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	for _, known := range Roles() {
		if r == known {
			return true
		}
	}
	return false
}

const subjectPrefix = "pitwall"

// Topic addresses messages for a role. Name may contain further dot-separated
// tokens and, for subscriptions, the wildcards "*" and ">".
type Topic struct {
	Role Role
	Name string
}

// NewTopic builds a topic from name tokens.
func NewTopic(role Role, tokens ...string) Topic {
	return Topic{Role: role, Name: strings.Join(tokens, ".")}
}

// Subject returns the wire subject, e.g. "pitwall.shard.cmd.3".
func (t Topic) Subject() string {
	return subjectPrefix + "." + string(t.Role) + "." + t.Name
}

// Child appends tokens to the topic name.
func (t Topic) Child(tokens ...string) Topic {
	return NewTopic(t.Role, append([]string{t.Name}, tokens...)...)
}

func (t Topic) String() string { return t.Subject() }

// Message is one delivery. Respond is only usable for messages sent with Request.
type Message struct {
	Subject string
	Data    []byte

	respond func([]byte) error
}

// NewMessage builds a message. respond may be nil.
func NewMessage(subject string, data []byte, respond func([]byte) error) Message {
	return Message{Subject: subject, Data: data, respond: respond}
}

// CanRespond reports whether the sender is waiting for a reply.
func (m Message) CanRespond() bool { return m.respond != nil }

// Respond sends the reply for a request.
func (m Message) Respond(data []byte) error {
	if m.respond == nil {
		return ErrNoReplyExpected
	}
	return m.respond(data)
}

// Handler processes one message.
type Handler func(ctx context.Context, msg Message)

// Subscription is an active registration on a bus.
type Subscription interface {
	Unsubscribe() error
}

// Bus delivers messages between nodes.
type Bus interface {
	// Publish sends data to every broadcast subscriber and to one member of
	// each group subscribed to the topic.
	Publish(ctx context.Context, topic Topic, data []byte) error
	// Subscribe receives every message on topic.
	Subscribe(ctx context.Context, topic Topic, handler Handler) (Subscription, error)
	// SubscribeGroup receives messages on topic shared with the other members of group.
	SubscribeGroup(ctx context.Context, topic Topic, group string, handler Handler) (Subscription, error)
	// Request publishes data and waits for the first reply until ctx ends.
	Request(ctx context.Context, topic Topic, data []byte) ([]byte, error)
}

// Bus errors
var (
	ErrNoResponders    = stderrors.New("no responders for request")
	ErrNoReplyExpected = stderrors.New("message does not expect a reply")
	ErrBusClosed       = stderrors.New("bus closed")
)

// matchSubject reports whether subject matches pattern using NATS token rules.
func matchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
