// Package engine implements the matchmaking and session-relay core: the
// identity registry, waiting pool, session table, message relay with
// deduplication, and disconnect/reconnect recovery.
//
// All mutations to the registry, pool, and session table are serialized
// behind a single lock. The lock is the correctness mechanism: every
// matchmaking decision reads and mutates the pool as one atomic step, so
// there is no window in which two concurrent findPartner calls can pair
// the same waiting user twice or strand an entry. Read-only diagnostics
// take the read side. The persistence log is a durability side channel
// written through an ordered background writer; it never blocks or fails
// a routing operation.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quietline/anonchat/internal/dedup"
	"github.com/quietline/anonchat/internal/metrics"
)

// Config holds Engine tuning parameters.
type Config struct {
	DedupTTL        time.Duration // repeated-send collapse window
	LogQueueSize    int           // pending persistence operations
	LogTimeout      time.Duration // per-operation persistence deadline
	HistoryTimeout  time.Duration // deadline for resync history reads
	SweepInterval   time.Duration // safety-net sweep period
	SweepCorrective bool          // force-pair stuck waiters instead of only logging
}

// DefaultConfig returns production defaults. The sweep defaults to
// observe-only at a long interval: with the atomic matchmaker the sweep
// should never find anything, so it exists to make a regression visible,
// not to paper over one.
func DefaultConfig() Config {
	return Config{
		DedupTTL:        dedup.DefaultTTL,
		LogQueueSize:    1024,
		LogTimeout:      3 * time.Second,
		HistoryTimeout:  5 * time.Second,
		SweepInterval:   2 * time.Minute,
		SweepCorrective: false,
	}
}

// Find statuses returned by FindPartner.
const (
	StatusRejoined     = "rejoined"      // already in an active session, reattached
	StatusPaired       = "paired"        // matched with a waiting user
	StatusWaiting      = "waiting"       // enqueued into the waiting pool
	StatusStillWaiting = "still_waiting" // was already enqueued; no-op
)

// FindResult is the outcome of a FindPartner call. SessionID is set for
// StatusRejoined and StatusPaired.
type FindResult struct {
	Status    string
	SessionID string
}

// Stats is a consistent snapshot of engine state for diagnostics.
type Stats struct {
	RegisteredUsers int
	WaitingUsers    int
	ActiveSessions  int
}

// Engine owns all shared mutable state. Construct with New, stop with Close.
type Engine struct {
	cfg Config

	mu       sync.RWMutex
	handles  map[string]Handle  // userID -> live handle
	owners   map[string]string  // handle key -> userID
	pool     *waitingPool
	sessions map[string]*Session // sessionID -> session (Active only)
	byUser   map[string]string   // userID -> sessionID

	guard  *dedup.Guard[Message]
	writer *logWriter

	now func() time.Time // overridable in tests
}

// New creates an Engine persisting to l.
func New(cfg Config, l Log) *Engine {
	return &Engine{
		cfg:      cfg,
		handles:  make(map[string]Handle),
		owners:   make(map[string]string),
		pool:     newWaitingPool(),
		sessions: make(map[string]*Session),
		byUser:   make(map[string]string),
		guard:    dedup.New[Message](cfg.DedupTTL),
		writer:   newLogWriter(l, cfg.LogQueueSize, cfg.LogTimeout),
		now:      time.Now,
	}
}

// Close drains pending persistence writes and stops the background writer.
func (e *Engine) Close() {
	e.writer.close()
}

// Register binds a live connection handle to a user, replacing any
// previous handle for that user. Replacement does not touch the user's
// waiting-pool or session membership: a reconnect mid-chat keeps the chat.
func (e *Engine) Register(userID string, h Handle) error {
	if userID == "" || h == nil {
		return fmt.Errorf("%w: missing user id or handle", ErrInvalidInput)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if old, ok := e.handles[userID]; ok {
		delete(e.owners, old.Key())
	}
	e.handles[userID] = h
	e.owners[h.Key()] = userID
	return nil
}

// Lookup returns the user's current live handle, or nil.
func (e *Engine) Lookup(userID string) Handle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handles[userID]
}

// FindPartner reacts to a "user wants a partner" event. In order: reattach
// to an existing active session, confirm an existing pool entry, pair with
// the oldest live waiting user, or enqueue. The whole decision is one
// atomic step with respect to every other engine operation.
//
// The user must have a registered handle; outbound notifications go to it.
func (e *Engine) FindPartner(userID string) (FindResult, error) {
	if userID == "" {
		return FindResult{}, fmt.Errorf("%w: missing user id", ErrInvalidInput)
	}

	e.mu.Lock()

	h := e.handles[userID]
	if h == nil {
		e.mu.Unlock()
		return FindResult{}, fmt.Errorf("%w: no live handle for user", ErrInvalidInput)
	}

	// Step 1: already in an active session — idempotent re-entry.
	if sid, ok := e.byUser[userID]; ok {
		e.mu.Unlock()
		e.resync(userID, sid)
		return FindResult{Status: StatusRejoined, SessionID: sid}, nil
	}

	// Step 2: already waiting — no duplicate enqueue.
	if e.pool.contains(userID) {
		_ = h.Deliver(WaitingEvent{})
		e.mu.Unlock()
		return FindResult{Status: StatusStillWaiting}, nil
	}

	// Step 3: pop the oldest waiting user with a live handle. Entries whose
	// handle is gone are stale leftovers of a disconnect race; discard them
	// rather than re-enqueueing.
	for {
		partnerID, ok := e.pool.dequeueOldest()
		if !ok {
			break
		}
		if partnerID == userID {
			// Self-pairing guard. Cannot normally happen (step 2 returns
			// first), but never match a user with themselves.
			e.pool.enqueue(userID, e.now())
			_ = h.Deliver(WaitingEvent{})
			e.mu.Unlock()
			return FindResult{Status: StatusWaiting}, nil
		}
		ph := e.handles[partnerID]
		if ph == nil {
			log.Printf("[engine] discarding stale pool entry user=%s", partnerID)
			continue
		}

		s := e.createSessionLocked(partnerID, userID, false)
		_ = ph.Deliver(SessionJoinedEvent{SessionID: s.ID})
		_ = h.Deliver(SessionJoinedEvent{SessionID: s.ID})
		e.mu.Unlock()
		return FindResult{Status: StatusPaired, SessionID: s.ID}, nil
	}

	// Step 4: nobody to pair with — wait.
	e.pool.enqueue(userID, e.now())
	metrics.WaitingPoolSize.Set(float64(e.pool.len()))
	_ = h.Deliver(WaitingEvent{})
	e.mu.Unlock()
	return FindResult{Status: StatusWaiting}, nil
}

// resync replays persisted history to a user rejoining sid. The history
// read happens outside the engine lock (it may block on I/O); the join
// notification carries whatever the log returned. A failed read degrades
// to an empty snapshot — live routing does not depend on the log.
func (e *Engine) resync(userID, sid string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.HistoryTimeout)
	history, err := e.writer.readHistory(ctx, sid)
	cancel()
	if err != nil {
		log.Printf("[engine] resync history session=%s: %v", sid, err)
		history = nil
	}

	e.mu.RLock()
	h := e.handles[userID]
	e.mu.RUnlock()
	if h != nil {
		_ = h.Deliver(SessionJoinedEvent{SessionID: sid, History: history})
	}
}

// createSessionLocked creates an Active session for the two users, indexes
// it, and records the creation in the log. Callers hold the write lock.
func (e *Engine) createSessionLocked(userA, userB string, autoRecovered bool) *Session {
	s := &Session{
		ID:            uuid.New().String(),
		UserA:         userA,
		UserB:         userB,
		State:         StateActive,
		CreatedAt:     e.now(),
		AutoRecovered: autoRecovered,
	}
	e.sessions[s.ID] = s
	e.byUser[userA] = s.ID
	e.byUser[userB] = s.ID

	e.writer.recordCreated(s.ID, SessionMeta{
		UserA:         userA,
		UserB:         userB,
		CreatedAt:     s.CreatedAt,
		AutoRecovered: autoRecovered,
	})

	metrics.ActiveSessions.Set(float64(len(e.sessions)))
	metrics.WaitingPoolSize.Set(float64(e.pool.len()))
	log.Printf("[engine] session created id=%s a=%s b=%s auto_recovered=%v",
		s.ID, userA, userB, autoRecovered)
	return s
}

// endSessionLocked transitions the session to Ended, removes it from the
// table, notifies the counterpart, and records the end in the log.
// Callers hold the write lock. The transition is terminal: the session is
// gone from the table before the lock is released, so a second end or a
// racing send observes SessionNotFound, never a half-ended session.
func (e *Engine) endSessionLocked(s *Session, endedBy string, reason EndReason) {
	s.State = StateEnded
	delete(e.sessions, s.ID)
	delete(e.byUser, s.UserA)
	delete(e.byUser, s.UserB)

	partner := s.Partner(endedBy)
	if ph := e.handles[partner]; ph != nil {
		_ = ph.Deliver(SessionEndedEvent{SessionID: s.ID, Reason: reason})
	}

	e.writer.recordEnded(s.ID, SessionMeta{
		UserA:   s.UserA,
		UserB:   s.UserB,
		EndedAt: e.now(),
		EndedBy: endedBy,
		Reason:  reason,
	})

	metrics.ActiveSessions.Set(float64(len(e.sessions)))
	log.Printf("[engine] session ended id=%s by=%s reason=%s", s.ID, endedBy, reason)
}

// EndChat ends the session at userID's request and notifies the
// counterpart. Ending an unknown (already ended) session is a no-op:
// the operation is idempotent and the counterpart is notified exactly
// once.
func (e *Engine) EndChat(sessionID, userID string) error {
	if sessionID == "" || userID == "" {
		return fmt.Errorf("%w: missing session or user id", ErrInvalidInput)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[sessionID]
	if !ok {
		return nil // already ended
	}
	if !s.IsParticipant(userID) {
		return ErrNotParticipant
	}

	e.endSessionLocked(s, userID, EndReasonUser)
	return nil
}

// CancelSearch removes the user from the waiting pool. Idempotent; the
// caller's handle is always told the search is cancelled, whether or not
// an entry was removed.
func (e *Engine) CancelSearch(userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := e.pool.remove(userID)
	metrics.WaitingPoolSize.Set(float64(e.pool.len()))
	if h := e.handles[userID]; h != nil {
		_ = h.Deliver(SearchCancelledEvent{})
	}
	return removed
}

// Disconnect reacts to a dropped connection. The handle key guards against
// tearing down state for a user who has already reconnected on a new
// handle: if the key no longer owns a user, the disconnect is stale and
// ignored. Otherwise the user is unregistered, removed from the waiting
// pool, and any active session is ended with reason disconnect.
//
// Returns the freed user ID, or false for a stale disconnect.
func (e *Engine) Disconnect(handleKey string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	userID, ok := e.owners[handleKey]
	if !ok {
		return "", false
	}
	delete(e.owners, handleKey)
	delete(e.handles, userID)

	if e.pool.remove(userID) {
		metrics.WaitingPoolSize.Set(float64(e.pool.len()))
		log.Printf("[engine] disconnect removed user=%s from waiting pool", userID)
	}

	if sid, inSession := e.byUser[userID]; inSession {
		if s := e.sessions[sid]; s != nil {
			e.endSessionLocked(s, userID, EndReasonDisconnect)
		}
	}
	return userID, true
}

// Stats returns a consistent snapshot for diagnostics. It runs under the
// read lock and may execute concurrently with other readers.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		RegisteredUsers: len(e.handles),
		WaitingUsers:    e.pool.len(),
		ActiveSessions:  len(e.sessions),
	}
}

// Snapshot returns a copy of an active session, or nil.
func (e *Engine) Snapshot(sessionID string) *Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sessions[sessionID]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}
