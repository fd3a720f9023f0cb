// Package archive provides the PostgreSQL store for the durable chat
// archive. The live history log in Redis expires after a day; the archiver
// service replays session and message events from NATS into this store for
// long-term retention.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/quietline/anonchat/internal/engine"
)

// Store writes archived sessions and messages to PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// RecordSessionCreated inserts a session row. Replaying the same event is a
// no-op so NATS redeliveries are safe.
func (s *Store) RecordSessionCreated(ctx context.Context, sessionID string, meta engine.SessionMeta) error {
	const query = `
		INSERT INTO sessions (id, user_a, user_b, created_at, auto_recovered)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		sessionID,
		meta.UserA,
		meta.UserB,
		meta.CreatedAt,
		meta.AutoRecovered,
	)
	if err != nil {
		return fmt.Errorf("archive: insert session: %w", err)
	}
	return nil
}

// RecordSessionEnded marks a session row ended with who ended it and why.
// The upsert covers the case where the ended event arrives before the
// created event.
func (s *Store) RecordSessionEnded(ctx context.Context, sessionID string, meta engine.SessionMeta) error {
	const query = `
		INSERT INTO sessions (id, user_a, user_b, created_at, auto_recovered, ended_at, ended_by, end_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET ended_at = EXCLUDED.ended_at,
		    ended_by = EXCLUDED.ended_by,
		    end_reason = EXCLUDED.end_reason`

	_, err := s.db.ExecContext(ctx, query,
		sessionID,
		meta.UserA,
		meta.UserB,
		meta.CreatedAt,
		meta.AutoRecovered,
		meta.EndedAt,
		meta.EndedBy,
		string(meta.Reason),
	)
	if err != nil {
		return fmt.Errorf("archive: end session: %w", err)
	}
	return nil
}

// RecordMessage inserts one relayed message. Message IDs are unique per
// session, so duplicates from redelivery hit the conflict target and are
// dropped.
func (s *Store) RecordMessage(ctx context.Context, msg engine.Message) error {
	const query = `
		INSERT INTO messages (session_id, message_id, sender_id, text, sent_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, message_id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		msg.SessionID,
		msg.ID,
		msg.SenderID,
		msg.Text,
		time.UnixMilli(msg.Ts),
	)
	if err != nil {
		return fmt.Errorf("archive: insert message: %w", err)
	}
	return nil
}

// SessionMessages returns the archived messages of a session in relay order.
func (s *Store) SessionMessages(ctx context.Context, sessionID string) ([]engine.Message, error) {
	const query = `
		SELECT message_id, sender_id, text, sent_at
		FROM messages
		WHERE session_id = $1
		ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("archive: query messages: %w", err)
	}
	defer rows.Close()

	var msgs []engine.Message
	for rows.Next() {
		var (
			m      engine.Message
			sentAt time.Time
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &m.Text, &sentAt); err != nil {
			return nil, fmt.Errorf("archive: scan message: %w", err)
		}
		m.SessionID = sessionID
		m.Ts = sentAt.UnixMilli()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: iterate messages: %w", err)
	}
	return msgs, nil
}
