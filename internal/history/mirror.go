package history

import (
	"context"
	"encoding/json"
	"log"

	"github.com/quietline/anonchat/internal/engine"
	"github.com/quietline/anonchat/internal/messaging"
)

// SessionRecord is the payload published on the history.session.* subjects.
type SessionRecord struct {
	SessionID string             `json:"session_id"`
	Meta      engine.SessionMeta `json:"meta"`
}

// Mirror wraps an engine.Log and forwards every write to NATS for the
// archiver. Publish failures are logged and swallowed: the mirror is a
// best-effort side channel on top of an already best-effort log, and must
// never fail the primary write.
type Mirror struct {
	next engine.Log
	nc   *messaging.Client
}

// NewMirror decorates next with NATS forwarding.
func NewMirror(next engine.Log, nc *messaging.Client) *Mirror {
	return &Mirror{next: next, nc: nc}
}

func (m *Mirror) AppendMessage(ctx context.Context, sessionID string, msg engine.Message) error {
	err := m.next.AppendMessage(ctx, sessionID, msg)

	data, merr := json.Marshal(msg)
	if merr != nil {
		log.Printf("[history] mirror marshal message: %v", merr)
		return err
	}
	if perr := m.nc.PublishHistoryMessage(sessionID, data); perr != nil {
		log.Printf("[history] mirror publish message session=%s: %v", sessionID, perr)
	}
	return err
}

func (m *Mirror) ReadHistory(ctx context.Context, sessionID string) ([]engine.Message, error) {
	return m.next.ReadHistory(ctx, sessionID)
}

func (m *Mirror) RecordSessionCreated(ctx context.Context, sessionID string, meta engine.SessionMeta) error {
	err := m.next.RecordSessionCreated(ctx, sessionID, meta)
	m.publishRecord(sessionID, meta, m.nc.PublishSessionCreated)
	return err
}

func (m *Mirror) RecordSessionEnded(ctx context.Context, sessionID string, meta engine.SessionMeta) error {
	err := m.next.RecordSessionEnded(ctx, sessionID, meta)
	m.publishRecord(sessionID, meta, m.nc.PublishSessionEnded)
	return err
}

func (m *Mirror) publishRecord(sessionID string, meta engine.SessionMeta, publish func([]byte) error) {
	data, err := json.Marshal(SessionRecord{SessionID: sessionID, Meta: meta})
	if err != nil {
		log.Printf("[history] mirror marshal record: %v", err)
		return
	}
	if err := publish(data); err != nil {
		log.Printf("[history] mirror publish record session=%s: %v", sessionID, err)
	}
}
