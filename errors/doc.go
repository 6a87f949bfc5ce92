// Package errors provides standardized error handling for pitwall.
//
// # Classification
//
// Errors fall into three classes that drive caller behavior:
//
//   - Transient: timeouts, lost connections, full mailboxes (retry is reasonable)
//   - Invalid: unroutable messages, key mismatches, updates before create (do not retry as-is)
//   - Fatal: bad configuration, corrupted journals (stop processing)
//
// Classification works through errors.Is / errors.As, so a sentinel wrapped
// any number of times keeps its class.
//
// # Wrapping
//
// All wrapping follows the format
//
//	"component.method: action failed: %w"
//
// via Wrap, WrapTransient, WrapInvalid and WrapFatal:
//
//	if err := journal.Append(ctx, rec); err != nil {
//	    return errors.WrapTransient(err, "Entity", "persist", "append event")
//	}
//
// # Domain sentinels
//
// ErrUnroutable, ErrKeyMismatch and ErrNotInitialized are the entity store's
// expected, non-fatal failures. ErrAskTimeout is what every cross-actor
// request returns when its deadline passes; callers treat it as
// "unavailable" and fall back.
//
// # Remote failures
//
// Code and FromCode carry a sentinel across the message bus as a short
// string so that a proxied request fails with the same errors.Is identity
// as a local one:
//
//	resp.Code = errors.Code(err)
//	...
//	return errors.FromCode(resp.Code, resp.Error)
package errors
