package ring

import "errors"

// Error taxonomy. Every error the package returns to a caller is, or
// wraps, one of these sentinels so callers can classify with errors.Is.
var (
	// ErrHandshakeFailed indicates a TCP error, short stream EOF, or
	// malformed record during the handshake exchange.
	ErrHandshakeFailed = errors.New("ring: handshake failed")

	// ErrRdmaSetupFailed indicates a verbs call failed during queue-pair
	// creation or state transition.
	ErrRdmaSetupFailed = errors.New("ring: rdma setup failed")

	// ErrPostSendFailed indicates the provider rejected a send work
	// request. The ring is considered broken once this occurs.
	ErrPostSendFailed = errors.New("ring: post send failed")

	// ErrConnectionLost indicates an error completion was observed, or
	// the queue pair left the ready-to-send state. The ring is broken.
	ErrConnectionLost = errors.New("ring: connection lost")

	// ErrBufferTooSmall indicates the caller's destination capacity is
	// smaller than the next message's length. Retryable: the message
	// remains unread and ring state is unchanged.
	ErrBufferTooSmall = errors.New("ring: destination buffer too small")

	// ErrProtocolError indicates invalid framing: an impossible length,
	// or a footer that never clears within the detection timeout.
	ErrProtocolError = errors.New("ring: protocol error")

	// ErrEmptyMessage indicates a zero-length send, disallowed by the
	// framing contract (a zero length header could not be distinguished
	// from zeroed, unwritten memory).
	ErrEmptyMessage = errors.New("ring: zero-length messages are disallowed")
)
