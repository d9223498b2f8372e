package channels

import "errors"

// Sentinel errors returned by the non-blocking send helpers and consulted by
// Broadcaster to decide whether a subscriber should be marked inactive.
var (
	ErrChannelFull    = errors.New("channel full")
	ErrChannelClosed  = errors.New("channel closed")
	ErrChannelTimeout = errors.New("send timeout")
)
