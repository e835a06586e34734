package gwcore

import "errors"

// Sentinel errors that cross an API boundary to a caller, matching the
// error taxonomy: format and version errors are handled in place and
// logged rather than returned. The first four are returned by Send; the
// last two come from the session store.
var (
	// ErrFrameTypeMismatch is returned when a producer submits a cEMI class
	// the channel's role does not allow outbound.
	ErrFrameTypeMismatch = errors.New("gwcore: cemi frame type not allowed for channel role")
	// ErrSendTimeout is returned when no ack arrives within the retry budget.
	ErrSendTimeout = errors.New("gwcore: send timed out waiting for ack")
	// ErrClosed is returned by Send on a closed channel, and by a blocking
	// Send still waiting for its ack when the channel closes.
	ErrClosed = errors.New("gwcore: channel closed")
	// ErrAckError is returned when the peer acks with a non-NO_ERROR status.
	ErrAckError = errors.New("gwcore: peer returned ack error status")
	// ErrSessionIDSpaceExhausted is returned when every id in 1..0xFFFE is
	// already assigned to a live session. Allocation fails loudly rather
	// than wrapping into a collision.
	ErrSessionIDSpaceExhausted = errors.New("gwcore: session id space exhausted")
	// ErrUnknownSession is returned by Wrap when the session id is not live.
	ErrUnknownSession = errors.New("gwcore: unknown session id")
)
