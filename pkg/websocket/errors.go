package websocket

import "errors"

// Common error variables returned by the connection pool.
var (
	// ErrPoolClosed is returned for tasks still pending when the pool is shut
	// down, and for any enqueue attempted afterwards.
	ErrPoolClosed = errors.New("connection pool closed")

	// ErrNotConnected is returned when an operation requires an open session
	// that does not exist.
	ErrNotConnected = errors.New("websocket not connected")

	// ErrConnectTimeout is returned when the server does not complete the
	// handshake within the configured connect timeout.
	ErrConnectTimeout = errors.New("connection attempt timed out")

	// ErrRateLimited is returned when the exchange refuses a connection due
	// to a rate or quota condition. The pool reacts with the quota backoff
	// strategy instead of failing the task outright.
	ErrRateLimited = errors.New("exchange rate limit exceeded")

	// ErrMaxReconnects is returned when a stream exhausts its reconnection
	// budget and is considered permanently failed.
	ErrMaxReconnects = errors.New("max reconnect attempts reached")

	// ErrEmptyStreamList is returned when a combined subscription is
	// requested with no stream names.
	ErrEmptyStreamList = errors.New("no stream names provided")
)
