package errors

import "errors"

// Sync errors.
var (
	ErrTransientNetwork = errors.New("transient network error")
	ErrAuthExpired      = errors.New("authentication expired")
	ErrWriteFailed      = errors.New("write failed")
	ErrStaleGeneration  = errors.New("stale sync generation")
)

// Lookup and session errors.
var (
	ErrNotFound  = errors.New("not found")
	ErrNoSession = errors.New("no active session")
)
