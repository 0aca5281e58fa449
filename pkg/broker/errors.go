package broker

import "errors"

var (
	// ErrClosed is returned by Publish after Close has begun.
	ErrClosed = errors.New("broker is shutting down")

	// ErrQueueFull is returned when the dispatch queue exceeds its
	// high-water mark. The condition is transient: callers may retry.
	ErrQueueFull = errors.New("broker dispatch queue is full")

	// ErrInvalidTag is returned for malformed component tags.
	ErrInvalidTag = errors.New("invalid component tag")

	// ErrInvalidPattern is returned for malformed subscription patterns.
	ErrInvalidPattern = errors.New("invalid subscription pattern")

	// ErrReplyTimeout is returned by Request when no reply arrives within
	// the per-call timeout.
	ErrReplyTimeout = errors.New("request timed out waiting for reply")
)
