package engine

import "time"

// Session lifecycle states. A session is created Active and the only
// transition is to Ended, which also removes it from the table.
const (
	StateActive = "active"
	StateEnded  = "ended"
)

// EndReason describes why a session ended.
type EndReason string

const (
	EndReasonUser       EndReason = "user"
	EndReasonDisconnect EndReason = "disconnect"
)

// Session is the record of a paired two-user conversation. It is owned by
// the Engine and never handed out mutable; callers get copies via Snapshot.
type Session struct {
	ID            string
	UserA         string
	UserB         string
	State         string
	CreatedAt     time.Time
	AutoRecovered bool // true if created by the safety-net sweep

	nextSeq int64 // per-session message counter
}

// Partner returns the other participant's user ID, or "" if userID is not
// a participant.
func (s *Session) Partner(userID string) string {
	if userID == s.UserA {
		return s.UserB
	}
	if userID == s.UserB {
		return s.UserA
	}
	return ""
}

// IsParticipant checks whether userID is one of the session's two users.
func (s *Session) IsParticipant(userID string) bool {
	return userID == s.UserA || userID == s.UserB
}

// Message is a relayed chat message. IDs are unique and monotonic within
// a session; Ts is the relay acceptance time in unix milliseconds. The
// order of acceptance is the order persisted and later replayed.
type Message struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	SenderID  string `json:"sender_id"`
	Text      string `json:"text"`
	Ts        int64  `json:"ts"`
}

// SessionMeta is the metadata recorded with session lifecycle events in
// the persistence log.
type SessionMeta struct {
	UserA         string    `json:"user_a"`
	UserB         string    `json:"user_b"`
	CreatedAt     time.Time `json:"created_at"`
	AutoRecovered bool      `json:"auto_recovered,omitempty"`
	EndedAt       time.Time `json:"ended_at,omitempty"`
	EndedBy       string    `json:"ended_by,omitempty"`
	Reason        EndReason `json:"end_reason,omitempty"`
}
