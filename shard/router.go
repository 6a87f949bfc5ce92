package shard

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/c360/pitwall/entity"
	"github.com/c360/pitwall/errors"
)

// Router maps messages to entity ids and shard ids. The mapping depends
// only on the key and the shard count, so every node computes the same owner.
type Router struct {
	numShards int
}

// NewRouter creates a router over numShards shards.
func NewRouter(numShards int) (*Router, error) {
	if numShards <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Router", "NewRouter",
			fmt.Sprintf("shard count %d", numShards))
	}
	return &Router{numShards: numShards}, nil
}

// NumShards returns the shard count.
func (r *Router) NumShards() int { return r.numShards }

// EntityID extracts the canonical entity id from msg. Messages that do not
// carry a valid key are unroutable.
func (r *Router) EntityID(msg any) (string, error) {
	id, ok := msg.(entity.Identifiable)
	if !ok {
		return "", errors.WrapInvalid(errors.ErrUnroutable, "Router", "EntityID", fmt.Sprintf("%T", msg))
	}
	key := id.EntityKey()
	if err := key.Validate(); err != nil {
		return "", errors.WrapInvalid(errors.ErrUnroutable, "Router", "EntityID", err.Error())
	}
	return key.String(), nil
}

// ShardID returns hash(entityID) mod N.
func (r *Router) ShardID(entityID string) int {
	return int(xxhash.Sum64String(entityID) % uint64(r.numShards))
}

// Route returns both ids for msg.
func (r *Router) Route(msg any) (string, int, error) {
	id, err := r.EntityID(msg)
	if err != nil {
		return "", 0, err
	}
	return id, r.ShardID(id), nil
}
