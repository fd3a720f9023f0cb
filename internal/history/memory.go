package history

import (
	"context"
	"sync"

	"github.com/quietline/anonchat/internal/engine"
)

// MemoryLog is an in-memory engine.Log. It backs tests and lets the chat
// server run without Redis in development.
type MemoryLog struct {
	mu       sync.Mutex
	messages map[string][]engine.Message
	meta     map[string]engine.SessionMeta
}

// NewMemoryLog creates an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		messages: make(map[string][]engine.Message),
		meta:     make(map[string]engine.SessionMeta),
	}
}

func (l *MemoryLog) AppendMessage(_ context.Context, sessionID string, msg engine.Message) error {
	l.mu.Lock()
	l.messages[sessionID] = append(l.messages[sessionID], msg)
	l.mu.Unlock()
	return nil
}

func (l *MemoryLog) ReadHistory(_ context.Context, sessionID string) ([]engine.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msgs := make([]engine.Message, len(l.messages[sessionID]))
	copy(msgs, l.messages[sessionID])
	return msgs, nil
}

func (l *MemoryLog) RecordSessionCreated(_ context.Context, sessionID string, meta engine.SessionMeta) error {
	l.mu.Lock()
	l.meta[sessionID] = meta
	l.mu.Unlock()
	return nil
}

func (l *MemoryLog) RecordSessionEnded(_ context.Context, sessionID string, meta engine.SessionMeta) error {
	l.mu.Lock()
	m := l.meta[sessionID]
	m.EndedAt = meta.EndedAt
	m.EndedBy = meta.EndedBy
	m.Reason = meta.Reason
	l.meta[sessionID] = m
	l.mu.Unlock()
	return nil
}

// Meta returns the recorded metadata for a session.
func (l *MemoryLog) Meta(sessionID string) (engine.SessionMeta, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.meta[sessionID]
	return m, ok
}
