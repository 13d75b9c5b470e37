package core

import "errors"

// Error taxonomy of the peer-to-peer layer. Parse failures are fatal for the
// involved packet or peer, never for the node.
var (
	// ErrProtocolViolation reports an unexpected packet type, an oversize
	// packet, a bad signature or stale handshake data. The offending peer
	// is closed.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrBroken reports socket errors, short reads and EOF.
	ErrBroken = errors.New("connection broken")

	// ErrTimeout reports an expired handshake deadline.
	ErrTimeout = errors.New("timed out")
)
