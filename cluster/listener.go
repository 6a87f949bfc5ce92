package cluster

import (
	"context"
	"log/slog"

	"github.com/c360/pitwall/pubsub"
)

// MembershipListener tracks which members are present per role and emits a
// Signal whenever a role gains or loses a member.
type MembershipListener struct {
	feed    *Feed
	emit    func(Signal)
	members map[pubsub.Role]map[string]bool
	logger  *slog.Logger
}

// NewMembershipListener creates a listener consuming feed.
func NewMembershipListener(feed *Feed, emit func(Signal), logger *slog.Logger) *MembershipListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &MembershipListener{
		feed:    feed,
		emit:    emit,
		members: make(map[pubsub.Role]map[string]bool),
		logger:  logger.With("component", "membership-listener"),
	}
}

// Run consumes the feed until ctx ends. Membership seen before a restart is
// kept, so a restarted listener does not signal members twice.
func (l *MembershipListener) Run(ctx context.Context) error {
	for {
		ev, err := l.feed.Next(ctx)
		if err != nil {
			return err
		}
		l.Handle(ev)
	}
}

// Handle applies one event.
func (l *MembershipListener) Handle(ev MemberEvent) {
	present := ev.Type.Counts()
	for _, role := range ev.Roles {
		set, ok := l.members[role]
		if !ok {
			set = make(map[string]bool)
			l.members[role] = set
		}
		if set[ev.Member] == present {
			continue
		}
		delta := 1
		if present {
			set[ev.Member] = true
		} else {
			delete(set, ev.Member)
			delta = -1
		}
		l.logger.Debug("Membership changed", "role", role, "member", ev.Member, "event", ev.Type, "count", len(set))
		l.emit(Signal{Role: role, Member: ev.Member, Delta: delta})
	}
}

// Count returns the members currently present in role.
func (l *MembershipListener) Count(role pubsub.Role) int {
	return len(l.members[role])
}
