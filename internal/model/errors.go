package model

import "errors"

// Relay error taxonomy. Callers match with errors.Is.
var (
	// ErrUnknownSession means the target session does not exist or is closed.
	ErrUnknownSession = errors.New("unknown session")

	// ErrOrphanReply means an upstream reply no longer maps to any open session.
	ErrOrphanReply = errors.New("orphan reply")

	// ErrUpstreamUnavailable means the AI service link is down. Always transient.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrCacheUnavailable means the backing cache store could not be reached.
	// Absorbed at the cache tier boundary and treated as a miss.
	ErrCacheUnavailable = errors.New("cache unavailable")

	// ErrSynthesisFailed means the speech engine returned an error or empty audio.
	ErrSynthesisFailed = errors.New("synthesis failed")

	// ErrInvalidPayload means a message did not match any recognized shape.
	ErrInvalidPayload = errors.New("invalid payload")
)
