package engine

// Handle is the live transport channel for one user: the place to push
// events for that user right now. The transport layer owns the underlying
// connection; the Engine only ever holds one Handle per user, and a
// reconnect replaces it without touching the user's session or queue state.
//
// Deliver is called with the Engine's lock held, so implementations must
// not call back into the Engine.
type Handle interface {
	// Key identifies the physical connection. A reconnect produces a new
	// key, which is how the Engine tells a stale disconnect from a live one.
	Key() string

	// Deliver pushes an outbound event to the client. It runs with the
	// Engine's lock held, so implementations must return promptly: no
	// network writes inline, no calls back into the Engine. Queue the
	// event and let a separate goroutine do the I/O. Errors are the
	// transport's problem; the Engine treats delivery as best-effort.
	Deliver(ev Event) error
}

// Event is the closed set of outbound notifications the Engine emits.
type Event interface{ event() }

// WaitingEvent tells the user they were placed (or remain) in the waiting
// pool.
type WaitingEvent struct{}

// SearchCancelledEvent confirms a cancelSearch request.
type SearchCancelledEvent struct{}

// SessionJoinedEvent tells the user they are in a session. History is
// non-empty only on re-entry (reconnect resync); on a fresh pairing it is
// nil.
type SessionJoinedEvent struct {
	SessionID string
	History   []Message
}

// MessageEvent pushes a relayed message from the partner.
type MessageEvent struct {
	Message Message
}

// SessionEndedEvent tells the user their session ended and why.
type SessionEndedEvent struct {
	SessionID string
	Reason    EndReason
}

func (WaitingEvent) event()         {}
func (SearchCancelledEvent) event() {}
func (SessionJoinedEvent) event()   {}
func (MessageEvent) event()         {}
func (SessionEndedEvent) event()    {}
