package engine

import (
	"fmt"
	"strconv"
	"time"

	"github.com/quietline/anonchat/internal/dedup"
	"github.com/quietline/anonchat/internal/metrics"
)

// SendMessage validates, deduplicates, persists, and forwards a message
// from senderID to the session's counterpart.
//
// A repeated send with the same (session, sender, text, nonce) fingerprint
// inside the dedup TTL returns the previously produced Message unchanged
// and causes no second append or delivery: retrying clients get at-most-
// once delivery per fingerprint. After the TTL the same fingerprint is a
// new message.
//
// The message is appended to the persisted log whether or not the
// counterpart is live, so a later resync delivers it. Delivery to a live
// counterpart and the append happen in acceptance order.
func (e *Engine) SendMessage(sessionID, senderID, text, nonce string) (Message, error) {
	if sessionID == "" || senderID == "" {
		return Message{}, fmt.Errorf("%w: missing session or sender id", ErrInvalidInput)
	}

	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[sessionID]
	if !ok {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return Message{}, ErrSessionNotFound
	}
	if !s.IsParticipant(senderID) {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return Message{}, ErrNotParticipant
	}
	if err := validateText(text); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return Message{}, err
	}

	key := dedup.Fingerprint(sessionID, senderID, text, nonce)
	if prev, hit := e.guard.Lookup(key); hit {
		metrics.MessagesTotal.WithLabelValues("deduplicated").Inc()
		return prev, nil
	}

	s.nextSeq++
	msg := Message{
		ID:        "m" + strconv.FormatInt(s.nextSeq, 10),
		SessionID: sessionID,
		SenderID:  senderID,
		Text:      text,
		Ts:        e.now().UnixMilli(),
	}

	e.guard.Record(key, msg)
	e.writer.appendMessage(sessionID, msg)

	if ph := e.handles[s.Partner(senderID)]; ph != nil {
		_ = ph.Deliver(MessageEvent{Message: msg})
	}

	metrics.MessagesTotal.WithLabelValues("delivered").Inc()
	metrics.RelayLatency.Observe(time.Since(start).Seconds())
	return msg, nil
}
