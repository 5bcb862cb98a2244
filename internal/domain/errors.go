package domain

import "errors"

// User-facing failures. Messages are short and stable; callers match with
// errors.Is.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNotReady        = errors.New("session not connected yet")
	ErrUnavailable     = errors.New("temporarily unavailable, retry")
	ErrAuthRejected    = errors.New("authentication rejected")
	ErrInvalidSession  = errors.New("invalid session id")
)
