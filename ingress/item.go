package ingress

import (
	"time"

	"github.com/google/uuid"

	"github.com/c360/pitwall/entity"
	"github.com/c360/pitwall/errors"
)

// Item is one telemetry message travelling through the pipeline.
type Item struct {
	ID string `json:"id,omitempty"`
	entity.Envelope
}

// NewItem encodes msg into an item with a fresh id.
func NewItem(msg entity.Message) (Item, error) {
	env, err := entity.Encode(msg)
	if err != nil {
		return Item{}, err
	}
	return Item{ID: uuid.NewString(), Envelope: env}, nil
}

// EventTime is the timestamp used to order polled series.
func (i Item) EventTime() time.Time { return i.Time }

// OfferResult is the outcome of Offer. None of the results is an error: the
// caller decides whether to retry.
type OfferResult int

// Offer outcomes
const (
	// Accepted means the item is queued for delivery.
	Accepted OfferResult = iota
	// Dropped means the queue was full and the item was discarded.
	Dropped
	// Failed means the item could not be queued for another reason.
	Failed
	// Closed means the pipeline is not accepting pushed items.
	Closed
)

func (r OfferResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Dropped:
		return "dropped"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Err maps a refused offer to the sentinel a remote producer can act on.
func (r OfferResult) Err() error {
	switch r {
	case Accepted:
		return nil
	case Dropped:
		return errors.ErrResourceExhausted
	case Closed:
		return errors.ErrQueueClosed
	default:
		return errors.ErrInvalidData
	}
}

// Mode is the pipeline state.
type Mode int

// Pipeline modes
const (
	ModeStopped Mode = iota
	ModePush
	ModePolling
)

func (m Mode) String() string {
	switch m {
	case ModePush:
		return "push"
	case ModePolling:
		return "polling"
	default:
		return "stopped"
	}
}

// ParseMode maps configuration names to modes.
func ParseMode(name string) (Mode, bool) {
	switch name {
	case "push":
		return ModePush, true
	case "polling", "poll":
		return ModePolling, true
	case "stopped", "":
		return ModeStopped, true
	default:
		return ModeStopped, false
	}
}
