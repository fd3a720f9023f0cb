// Package history implements the persistence collaborator: an append-only
// record of session messages and lifecycle metadata. The primary store is
// a Redis list per session (append order is accept order, which is the
// order replayed on resync); a NATS mirror forwards every record to the
// archiver for long-term storage.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quietline/anonchat/internal/engine"
)

const (
	// Redis key patterns for history data structures.
	keyMessagesPrefix = "history:msgs:" // + <session_id> -> List of JSON messages
	keyMetaPrefix     = "history:meta:" // + <session_id> -> Hash

	// historyTTL bounds how long a session's history outlives activity.
	// Resync only matters while a session can still be rejoined.
	historyTTL = 24 * time.Hour
)

// RedisLog is an engine.Log backed by Redis.
type RedisLog struct {
	rdb *redis.Client
}

// NewRedisLog creates a RedisLog using the provided client.
func NewRedisLog(rdb *redis.Client) *RedisLog {
	return &RedisLog{rdb: rdb}
}

// AppendMessage appends the message to the session's list. Each append is
// independently atomic, so concurrent appends from the relay writer are
// safe.
func (l *RedisLog) AppendMessage(ctx context.Context, sessionID string, msg engine.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("history: marshal message: %w", err)
	}

	key := keyMessagesPrefix + sessionID
	pipe := l.rdb.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, historyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("history: append message: %w", err)
	}
	return nil
}

// ReadHistory returns the session's messages in append order.
func (l *RedisLog) ReadHistory(ctx context.Context, sessionID string) ([]engine.Message, error) {
	raw, err := l.rdb.LRange(ctx, keyMessagesPrefix+sessionID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("history: read history: %w", err)
	}

	msgs := make([]engine.Message, 0, len(raw))
	for _, item := range raw {
		var msg engine.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("history: decode message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// RecordSessionCreated stores the session's creation metadata.
func (l *RedisLog) RecordSessionCreated(ctx context.Context, sessionID string, meta engine.SessionMeta) error {
	key := keyMetaPrefix + sessionID
	pipe := l.rdb.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"user_a":         meta.UserA,
		"user_b":         meta.UserB,
		"created_at":     meta.CreatedAt.UnixMilli(),
		"auto_recovered": fmt.Sprintf("%v", meta.AutoRecovered),
	})
	pipe.Expire(ctx, key, historyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("history: record session created: %w", err)
	}
	return nil
}

// RecordSessionEnded stores who ended the session and why. The message
// list is left to expire on its own so a late resync attempt still reads a
// consistent history.
func (l *RedisLog) RecordSessionEnded(ctx context.Context, sessionID string, meta engine.SessionMeta) error {
	key := keyMetaPrefix + sessionID
	pipe := l.rdb.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"ended_at":   meta.EndedAt.UnixMilli(),
		"ended_by":   meta.EndedBy,
		"end_reason": string(meta.Reason),
	})
	pipe.Expire(ctx, key, historyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("history: record session ended: %w", err)
	}
	return nil
}
