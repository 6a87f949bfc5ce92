// Package entity defines the per-driver record held by the shard store, the
// commands that change it and the replies it produces.
//
// A State starts uninitialized. CreateDriver initializes it; any other
// update before that fails with errors.ErrNotInitialized. Once initialized,
// updates must carry the entity's own Key or they fail with
// errors.ErrKeyMismatch and leave the state untouched.
//
// Update rules:
//
//   - telemetry, position and interval overwrite their field and move
//     Timestamp forward only
//   - laps upsert by lap number
//   - a stint with a known start lap replaces that stint; otherwise it closes
//     earlier open stints at the lap before it starts
//   - pit stops append
//
// Messages travel as an Envelope (type tag plus JSON body). Replies and
// failures travel as a ReplyEnvelope whose error code maps back to the same
// sentinel on the receiving side.
package entity
