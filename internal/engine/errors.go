package engine

import "errors"

// Rejection taxonomy. Every error is scoped to the single request that
// produced it; none leaves the Engine in a partial state.
var (
	// ErrInvalidInput covers missing user or session IDs.
	ErrInvalidInput = errors.New("engine: invalid input")

	// ErrInvalidMessage covers empty, oversized, or malformed message text.
	ErrInvalidMessage = errors.New("engine: invalid message")

	// ErrNotParticipant means the caller is not a member of the session.
	ErrNotParticipant = errors.New("engine: not a session participant")

	// ErrSessionNotFound means the session ID is unknown or already ended.
	// Clients should fall back to findPartner.
	ErrSessionNotFound = errors.New("engine: session not found")
)
