package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// memLog is an in-memory Log for tests.
type memLog struct {
	mu       sync.Mutex
	messages map[string][]Message
	created  map[string]SessionMeta
	ended    map[string]SessionMeta
}

func newMemLog() *memLog {
	return &memLog{
		messages: make(map[string][]Message),
		created:  make(map[string]SessionMeta),
		ended:    make(map[string]SessionMeta),
	}
}

func (l *memLog) AppendMessage(_ context.Context, sessionID string, msg Message) error {
	l.mu.Lock()
	l.messages[sessionID] = append(l.messages[sessionID], msg)
	l.mu.Unlock()
	return nil
}

func (l *memLog) ReadHistory(_ context.Context, sessionID string) ([]Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msgs := make([]Message, len(l.messages[sessionID]))
	copy(msgs, l.messages[sessionID])
	return msgs, nil
}

func (l *memLog) RecordSessionCreated(_ context.Context, sessionID string, meta SessionMeta) error {
	l.mu.Lock()
	l.created[sessionID] = meta
	l.mu.Unlock()
	return nil
}

func (l *memLog) RecordSessionEnded(_ context.Context, sessionID string, meta SessionMeta) error {
	l.mu.Lock()
	l.ended[sessionID] = meta
	l.mu.Unlock()
	return nil
}

// recorder is a Handle that records every delivered event.
type recorder struct {
	key    string
	mu     sync.Mutex
	events []Event
}

func newRecorder(key string) *recorder {
	return &recorder{key: key}
}

func (r *recorder) Key() string { return r.key }

func (r *recorder) Deliver(ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) countEnded() int {
	n := 0
	for _, ev := range r.all() {
		if _, ok := ev.(SessionEndedEvent); ok {
			n++
		}
	}
	return n
}

func (r *recorder) lastJoined(t *testing.T) SessionJoinedEvent {
	t.Helper()
	evs := r.all()
	for i := len(evs) - 1; i >= 0; i-- {
		if j, ok := evs[i].(SessionJoinedEvent); ok {
			return j
		}
	}
	t.Fatalf("no SessionJoinedEvent delivered to %s", r.key)
	return SessionJoinedEvent{}
}

func (r *recorder) partnerMessages() []Message {
	var msgs []Message
	for _, ev := range r.all() {
		if m, ok := ev.(MessageEvent); ok {
			msgs = append(msgs, m.Message)
		}
	}
	return msgs
}

func newTestEngine() (*Engine, *memLog) {
	l := newMemLog()
	return New(DefaultConfig(), l), l
}

// register creates a recorder handle keyed "conn-<user>" and registers it.
func register(t *testing.T, e *Engine, userID string) *recorder {
	t.Helper()
	r := newRecorder("conn-" + userID)
	if err := e.Register(userID, r); err != nil {
		t.Fatalf("register %s: %v", userID, err)
	}
	return r
}

// pair registers both users and pairs them, returning the session ID.
func pair(t *testing.T, e *Engine, userA, userB string) (string, *recorder, *recorder) {
	t.Helper()
	ra := register(t, e, userA)
	rb := register(t, e, userB)
	if _, err := e.FindPartner(userA); err != nil {
		t.Fatalf("findPartner %s: %v", userA, err)
	}
	res, err := e.FindPartner(userB)
	if err != nil {
		t.Fatalf("findPartner %s: %v", userB, err)
	}
	if res.Status != StatusPaired {
		t.Fatalf("expected status %q, got %q", StatusPaired, res.Status)
	}
	return res.SessionID, ra, rb
}

func TestFindPartner_FirstUserWaits(t *testing.T) {
	e, _ := newTestEngine()
	defer e.Close()

	r := register(t, e, "alice")
	res, err := e.FindPartner("alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusWaiting {
		t.Fatalf("expected status %q, got %q", StatusWaiting, res.Status)
	}

	evs := r.all()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	if _, ok := evs[0].(WaitingEvent); !ok {
		t.Fatalf("expected WaitingEvent, got %T", evs[0])
	}
	if got := e.Stats().WaitingUsers; got != 1 {
		t.Errorf("expected 1 waiting user, got %d", got)
	}
}

func TestFindPartner_PairsOldestWaiter(t *testing.T) {
	e, _ := newTestEngine()
	defer e.Close()

	ra := register(t, e, "alice")
	rb := register(t, e, "bob")
	register(t, e, "carol")

	if _, err := e.FindPartner("alice"); err != nil {
		t.Fatalf("alice: %v", err)
	}

	res, err := e.FindPartner("bob")
	if err != nil {
		t.Fatalf("bob: %v", err)
	}
	if res.Status != StatusPaired {
		t.Fatalf("expected %q, got %q", StatusPaired, res.Status)
	}
	if res.SessionID == "" {
		t.Fatal("expected a session ID")
	}

	// Both sides are told about the same session.
	if ja := ra.lastJoined(t); ja.SessionID != res.SessionID {
		t.Errorf("alice joined %q, want %q", ja.SessionID, res.SessionID)
	}
	if jb := rb.lastJoined(t); jb.SessionID != res.SessionID {
		t.Errorf("bob joined %q, want %q", jb.SessionID, res.SessionID)
	}

	// Carol arrives with nobody waiting and becomes the sole pool entry.
	res, err = e.FindPartner("carol")
	if err != nil {
		t.Fatalf("carol: %v", err)
	}
	if res.Status != StatusWaiting {
		t.Fatalf("expected %q, got %q", StatusWaiting, res.Status)
	}

	stats := e.Stats()
	if stats.WaitingUsers != 1 {
		t.Errorf("expected 1 waiting user, got %d", stats.WaitingUsers)
	}
	if stats.ActiveSessions != 1 {
		t.Errorf("expected 1 active session, got %d", stats.ActiveSessions)
	}
}

func TestFindPartner_FIFOOrder(t *testing.T) {
	e, _ := newTestEngine()
	defer e.Close()

	ra := register(t, e, "a")
	rb := register(t, e, "b")
	register(t, e, "c")

	// a waits first, then b. c must be paired with a, not b.
	if _, err := e.FindPartner("a"); err != nil {
		t.Fatalf("a: %v", err)
	}
	// b pairs with a immediately, so re-build the scenario with an ended
	// session: end it, then enqueue a and b again in order.
	res, err := e.FindPartner("b")
	if err != nil {
		t.Fatalf("b: %v", err)
	}
	if err := e.EndChat(res.SessionID, "a"); err != nil {
		t.Fatalf("end: %v", err)
	}
	if _, err := e.FindPartner("a"); err != nil {
		t.Fatalf("a again: %v", err)
	}

	res, err = e.FindPartner("c")
	if err != nil {
		t.Fatalf("c: %v", err)
	}
	if res.Status != StatusPaired {
		t.Fatalf("expected %q, got %q", StatusPaired, res.Status)
	}

	ja := ra.lastJoined(t)
	if ja.SessionID != res.SessionID {
		t.Errorf("a should have been paired with c: a joined %q, c joined %q", ja.SessionID, res.SessionID)
	}
	// b got exactly the one ended notification and never re-entered the pool.
	if n := rb.countEnded(); n != 1 {
		t.Errorf("b should have exactly 1 session_ended, got %d", n)
	}
	if got := e.Stats().WaitingUsers; got != 0 {
		t.Errorf("pool should be empty, got %d", got)
	}
}

func TestFindPartner_StillWaitingIsNoOp(t *testing.T) {
	e, _ := newTestEngine()
	defer e.Close()

	register(t, e, "alice")
	if _, err := e.FindPartner("alice"); err != nil {
		t.Fatalf("first: %v", err)
	}
	res, err := e.FindPartner("alice")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if res.Status != StatusStillWaiting {
		t.Fatalf("expected %q, got %q", StatusStillWaiting, res.Status)
	}
	if got := e.Stats().WaitingUsers; got != 1 {
		t.Errorf("pool should hold one entry, got %d", got)
	}
}

func TestFindPartner_NoHandleRejected(t *testing.T) {
	e, _ := newTestEngine()
	defer e.Close()

	if _, err := e.FindPartner("ghost"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := e.FindPartner(""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty id, got %v", err)
	}
}

func TestFindPartner_RejoinReplaysHistory(t *testing.T) {
	e, _ := newTestEngine()
	defer e.Close()

	sid, ra, _ := pair(t, e, "alice", "bob")

	if _, err := e.SendMessage(sid, "alice", "hello", "n1"); err != nil {
		t.Fatalf("send 1: %v", err)
	}
	if _, err := e.SendMessage(sid, "bob", "hi there", "n2"); err != nil {
		t.Fatalf("send 2: %v", err)
	}

	res, err := e.FindPartner("alice")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if res.Status != StatusRejoined {
		t.Fatalf("expected %q, got %q", StatusRejoined, res.Status)
	}
	if res.SessionID != sid {
		t.Fatalf("rejoined wrong session: got %q, want %q", res.SessionID, sid)
	}

	joined := ra.lastJoined(t)
	if joined.SessionID != sid {
		t.Fatalf("joined wrong session: %q", joined.SessionID)
	}
	if len(joined.History) != 2 {
		t.Fatalf("expected 2 history messages, got %d", len(joined.History))
	}
	if joined.History[0].ID != "m1" || joined.History[1].ID != "m2" {
		t.Errorf("history out of order: %q, %q", joined.History[0].ID, joined.History[1].ID)
	}
	if joined.History[0].Text != "hello" {
		t.Errorf("unexpected first message text: %q", joined.History[0].Text)
	}

	// Re-entry must not put the user back in the pool.
	if got := e.Stats().WaitingUsers; got != 0 {
		t.Errorf("rejoin should not enqueue: %d waiting", got)
	}
}

func TestSendMessage_RelaysToPartnerOnly(t *testing.T) {
	e, _ := newTestEngine()
	defer e.Close()

	sid, ra, rb := pair(t, e, "alice", "bob")

	msg, err := e.SendMessage(sid, "alice", "hello", "n1")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ID != "m1" {
		t.Errorf("expected id m1, got %q", msg.ID)
	}
	if msg.SenderID != "alice" || msg.SessionID != sid {
		t.Errorf("unexpected message fields: %+v", msg)
	}

	got := rb.partnerMessages()
	if len(got) != 1 {
		t.Fatalf("bob should have received 1 message, got %d", len(got))
	}
	if got[0].ID != "m1" || got[0].Text != "hello" {
		t.Errorf("unexpected relayed message: %+v", got[0])
	}
	if n := len(ra.partnerMessages()); n != 0 {
		t.Errorf("sender must not receive own message, got %d", n)
	}
}

func TestSendMessage_MonotonicIDs(t *testing.T) {
	e, _ := newTestEngine()
	defer e.Close()

	sid, _, _ := pair(t, e, "alice", "bob")

	for i, want := range []string{"m1", "m2", "m3"} {
		msg, err := e.SendMessage(sid, "alice", "msg", "nonce-"+want)
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		if msg.ID != want {
			t.Errorf("message %d: expected id %q, got %q", i, want, msg.ID)
		}
	}
}

func TestSendMessage_DedupCollapsesRetry(t *testing.T) {
	e, _ := newTestEngine()
	defer e.Close()

	sid, _, rb := pair(t, e, "alice", "bob")

	first, err := e.SendMessage(sid, "alice", "hello", "nonce-1")
	if err != nil {
		t.Fatalf("first send: %v", err)
	}
	retry, err := e.SendMessage(sid, "alice", "hello", "nonce-1")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retry.ID != first.ID {
		t.Errorf("retry should return the same id: %q vs %q", retry.ID, first.ID)
	}
	if got := len(rb.partnerMessages()); got != 1 {
		t.Errorf("partner should see exactly 1 delivery, got %d", got)
	}

	// Same text with a different nonce is a deliberate resend.
	again, err := e.SendMessage(sid, "alice", "hello", "nonce-2")
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if again.ID == first.ID {
		t.Error("different nonce should produce a new message")
	}
	if got := len(rb.partnerMessages()); got != 2 {
		t.Errorf("partner should see 2 deliveries, got %d", got)
	}
}

func TestSendMessage_Rejections(t *testing.T) {
	e, _ := newTestEngine()
	defer e.Close()

	sid, _, _ := pair(t, e, "alice", "bob")

	if _, err := e.SendMessage("", "alice", "hi", ""); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty session: expected ErrInvalidInput, got %v", err)
	}
	if _, err := e.SendMessage("no-such-session", "alice", "hi", ""); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown session: expected ErrSessionNotFound, got %v", err)
	}
	if _, err := e.SendMessage(sid, "mallory", "hi", ""); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("outsider: expected ErrNotParticipant, got %v", err)
	}
	if _, err := e.SendMessage(sid, "alice", "", ""); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("empty text: expected ErrInvalidMessage, got %v", err)
	}
	if _, err := e.SendMessage(sid, "alice", strings.Repeat("x", MaxMessageBytes+1), ""); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("oversized text: expected ErrInvalidMessage, got %v", err)
	}
	if _, err := e.SendMessage(sid, "alice", "\xff\xfe", ""); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("invalid utf-8: expected ErrInvalidMessage, got %v", err)
	}

	// None of the rejected sends consumed a message ID.
	msg, err := e.SendMessage(sid, "alice", "ok", "n")
	if err != nil {
		t.Fatalf("valid send: %v", err)
	}
	if msg.ID != "m1" {
		t.Errorf("rejected sends must not consume IDs: got %q", msg.ID)
	}
}

func TestEndChat_NotifiesPartnerOnce(t *testing.T) {
	e, l := newTestEngine()

	sid, _, rb := pair(t, e, "alice", "bob")

	if err := e.EndChat(sid, "alice"); err != nil {
		t.Fatalf("end: %v", err)
	}
	if n := rb.countEnded(); n != 1 {
		t.Fatalf("partner should get exactly 1 session_ended, got %d", n)
	}

	evs := rb.all()
	last := evs[len(evs)-1].(SessionEndedEvent)
	if last.Reason != EndReasonUser {
		t.Errorf("expected reason %q, got %q", EndReasonUser, last.Reason)
	}

	// Ending again is a no-op, and the partner is not re-notified.
	if err := e.EndChat(sid, "bob"); err != nil {
		t.Fatalf("second end should be nil, got %v", err)
	}
	if n := rb.countEnded(); n != 1 {
		t.Errorf("no second notification expected, got %d", n)
	}

	// Sends into the ended session are rejected.
	if _, err := e.SendMessage(sid, "alice", "too late", ""); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}

	e.Close() // drain the log writer
	meta, ok := l.ended[sid]
	if !ok {
		t.Fatal("session end was not recorded")
	}
	if meta.EndedBy != "alice" || meta.Reason != EndReasonUser {
		t.Errorf("unexpected end metadata: %+v", meta)
	}
}

func TestEndChat_OutsiderRejected(t *testing.T) {
	e, _ := newTestEngine()
	defer e.Close()

	sid, _, rb := pair(t, e, "alice", "bob")

	if err := e.EndChat(sid, "mallory"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if n := rb.countEnded(); n != 0 {
		t.Errorf("session must survive an outsider end attempt, got %d ended events", n)
	}
	if e.Snapshot(sid) == nil {
		t.Error("session should still be active")
	}
}

func TestEndChat_FreesUsersForNewSearch(t *testing.T) {
	e, _ := newTestEngine()
	defer e.Close()

	sid, _, _ := pair(t, e, "alice", "bob")
	if err := e.EndChat(sid, "alice"); err != nil {
		t.Fatalf("end: %v", err)
	}

	res, err := e.FindPartner("alice")
	if err != nil {
		t.Fatalf("alice re-search: %v", err)
	}
	if res.Status != StatusWaiting {
		t.Fatalf("expected %q, got %q", StatusWaiting, res.Status)
	}
	res, err = e.FindPartner("bob")
	if err != nil {
		t.Fatalf("bob re-search: %v", err)
	}
	if res.Status != StatusPaired {
		t.Fatalf("expected %q, got %q", StatusPaired, res.Status)
	}
	if res.SessionID == sid {
		t.Error("new pairing must get a fresh session ID")
	}
}

func TestCancelSearch(t *testing.T) {
	e, _ := newTestEngine()
	defer e.Close()

	r := register(t, e, "alice")
	if _, err := e.FindPartner("alice"); err != nil {
		t.Fatalf("find: %v", err)
	}

	if removed := e.CancelSearch("alice"); !removed {
		t.Error("expected removal from pool")
	}
	if got := e.Stats().WaitingUsers; got != 0 {
		t.Errorf("pool should be empty, got %d", got)
	}

	// Cancelling when not waiting still confirms to the client.
	if removed := e.CancelSearch("alice"); removed {
		t.Error("second cancel should find nothing to remove")
	}

	cancelled := 0
	for _, ev := range r.all() {
		if _, ok := ev.(SearchCancelledEvent); ok {
			cancelled++
		}
	}
	if cancelled != 2 {
		t.Errorf("expected 2 search_cancelled confirmations, got %d", cancelled)
	}
}

func TestDisconnect_WhileWaiting(t *testing.T) {
	e, _ := newTestEngine()
	defer e.Close()

	r := register(t, e, "alice")
	if _, err := e.FindPartner("alice"); err != nil {
		t.Fatalf("find: %v", err)
	}

	userID, ok := e.Disconnect(r.Key())
	if !ok || userID != "alice" {
		t.Fatalf("expected (alice, true), got (%q, %v)", userID, ok)
	}
	if got := e.Stats().WaitingUsers; got != 0 {
		t.Errorf("pool should be empty after disconnect, got %d", got)
	}

	// A later user must not be paired with the departed one.
	register(t, e, "bob")
	res, err := e.FindPartner("bob")
	if err != nil {
		t.Fatalf("bob: %v", err)
	}
	if res.Status != StatusWaiting {
		t.Fatalf("expected %q, got %q", StatusWaiting, res.Status)
	}
}

func TestDisconnect_EndsActiveSession(t *testing.T) {
	e, _ := newTestEngine()
	defer e.Close()

	sid, ra, rb := pair(t, e, "alice", "bob")

	userID, ok := e.Disconnect(ra.Key())
	if !ok || userID != "alice" {
		t.Fatalf("expected (alice, true), got (%q, %v)", userID, ok)
	}

	if n := rb.countEnded(); n != 1 {
		t.Fatalf("partner should get exactly 1 session_ended, got %d", n)
	}
	evs := rb.all()
	last := evs[len(evs)-1].(SessionEndedEvent)
	if last.SessionID != sid || last.Reason != EndReasonDisconnect {
		t.Errorf("unexpected ended event: %+v", last)
	}
	if e.Snapshot(sid) != nil {
		t.Error("session should be gone")
	}
}

func TestDisconnect_StaleKeyIgnored(t *testing.T) {
	e, _ := newTestEngine()
	defer e.Close()

	sid, ra, rb := pair(t, e, "alice", "bob")

	// Alice reconnects on a new handle before the old connection's
	// disconnect lands.
	fresh := newRecorder("conn-alice-2")
	if err := e.Register("alice", fresh); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	if userID, ok := e.Disconnect(ra.Key()); ok {
		t.Fatalf("stale disconnect must be ignored, got user %q", userID)
	}
	if e.Snapshot(sid) == nil {
		t.Error("session should survive the stale disconnect")
	}
	if n := rb.countEnded(); n != 0 {
		t.Errorf("partner should not be notified, got %d ended events", n)
	}

	// The fresh handle can rejoin the same session.
	res, err := e.FindPartner("alice")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if res.Status != StatusRejoined || res.SessionID != sid {
		t.Fatalf("expected rejoin to %q, got %+v", sid, res)
	}
}

func TestDisconnect_UnknownKey(t *testing.T) {
	e, _ := newTestEngine()
	defer e.Close()

	if userID, ok := e.Disconnect("never-seen"); ok {
		t.Fatalf("unknown key should be ignored, got user %q", userID)
	}
}

func TestSweep_ObserveOnlyLeavesPoolAlone(t *testing.T) {
	e, _ := newTestEngine()
	defer e.Close()

	register(t, e, "a")
	register(t, e, "b")

	past := time.Now().Add(-time.Hour)
	e.mu.Lock()
	e.pool.enqueue("a", past)
	e.pool.enqueue("b", past)
	e.mu.Unlock()

	e.sweepOnce()

	if got := e.Stats().WaitingUsers; got != 2 {
		t.Errorf("observe-only sweep must not touch the pool, got %d waiting", got)
	}
	if got := e.Stats().ActiveSessions; got != 0 {
		t.Errorf("observe-only sweep must not create sessions, got %d", got)
	}
}

func TestSweep_CorrectivePairsStuckWaiters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SweepCorrective = true
	e := New(cfg, newMemLog())
	defer e.Close()

	ra := register(t, e, "a")
	rb := register(t, e, "b")
	register(t, e, "fresh")

	past := time.Now().Add(-time.Hour)
	e.mu.Lock()
	e.pool.enqueue("a", past)
	e.pool.enqueue("b", past)
	e.pool.enqueue("fresh", time.Now())
	e.mu.Unlock()

	e.sweepOnce()

	ja := ra.lastJoined(t)
	jb := rb.lastJoined(t)
	if ja.SessionID == "" || ja.SessionID != jb.SessionID {
		t.Fatalf("stuck users should share a session: %q vs %q", ja.SessionID, jb.SessionID)
	}

	s := e.Snapshot(ja.SessionID)
	if s == nil {
		t.Fatal("recovered session missing")
	}
	if !s.AutoRecovered {
		t.Error("recovered session should be flagged auto-recovered")
	}

	// The young entry stays put.
	if got := e.Stats().WaitingUsers; got != 1 {
		t.Errorf("expected 1 remaining waiter, got %d", got)
	}
}

func TestSweep_SkipsDeadHandles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SweepCorrective = true
	e := New(cfg, newMemLog())
	defer e.Close()

	register(t, e, "live")

	past := time.Now().Add(-time.Hour)
	e.mu.Lock()
	e.pool.enqueue("dead", past)
	e.pool.enqueue("live", past)
	e.mu.Unlock()

	e.sweepOnce()

	// Only one live waiter: nothing to pair.
	if got := e.Stats().ActiveSessions; got != 0 {
		t.Errorf("sweep must not pair a dead handle, got %d sessions", got)
	}
}

func TestSweep_EvictsExpiredDedupEntries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DedupTTL = 5 * time.Millisecond
	e := New(cfg, newMemLog())
	defer e.Close()

	sid, _, _ := pair(t, e, "alice", "bob")

	// Distinct nonces, so none of these fingerprints is ever looked up
	// again: only the sweep can reclaim them.
	const sends = 20
	for i := 0; i < sends; i++ {
		if _, err := e.SendMessage(sid, "alice", "hi", fmt.Sprintf("n%d", i)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if got := e.guard.Len(); got != sends {
		t.Fatalf("expected %d recorded fingerprints, got %d", sends, got)
	}

	time.Sleep(20 * time.Millisecond)
	e.sweepOnce()

	if got := e.guard.Len(); got != 0 {
		t.Errorf("sweep left %d expired dedup entries resident", got)
	}
}

func TestRegister_ReplacementKeepsState(t *testing.T) {
	e, _ := newTestEngine()
	defer e.Close()

	register(t, e, "alice")
	if _, err := e.FindPartner("alice"); err != nil {
		t.Fatalf("find: %v", err)
	}

	fresh := newRecorder("conn-alice-2")
	if err := e.Register("alice", fresh); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if got := e.Stats().WaitingUsers; got != 1 {
		t.Errorf("pool entry should survive a handle replacement, got %d", got)
	}
	if h := e.Lookup("alice"); h != Handle(fresh) {
		t.Error("lookup should return the replacement handle")
	}
}

func TestRegister_Invalid(t *testing.T) {
	e, _ := newTestEngine()
	defer e.Close()

	if err := e.Register("", newRecorder("k")); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty user: expected ErrInvalidInput, got %v", err)
	}
	if err := e.Register("alice", nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("nil handle: expected ErrInvalidInput, got %v", err)
	}
}
