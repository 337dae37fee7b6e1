package shared

import "errors"

var (
	// ErrSessionNotFound indicates the bearer token has no live session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTokenMissing occurs when the request carries no bearer token.
	ErrTokenMissing = errors.New("bearer token missing")
)
