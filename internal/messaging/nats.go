// Package messaging provides a NATS client wrapper for the history
// pipeline between the chat server and the archiver. It handles connection
// lifecycle, subject-based subscriptions, and convenience methods for the
// history subjects.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns for the history pipeline.
const (
	SubjectHistoryMessage = "history.message" // + .<session_id>
	SubjectSessionCreated = "history.session.created"
	SubjectSessionEnded   = "history.session.ended"
)

// Client wraps the NATS connection with helper methods for pub/sub.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "anonchat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *Client) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *Client) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishHistoryMessage publishes an appended message to the
// history.message.<sessionID> subject.
func (c *Client) PublishHistoryMessage(sessionID string, data []byte) error {
	return c.Publish(SubjectHistoryMessage+"."+sessionID, data)
}

// PublishSessionCreated publishes a session-created record.
func (c *Client) PublishSessionCreated(data []byte) error {
	return c.Publish(SubjectSessionCreated, data)
}

// PublishSessionEnded publishes a session-ended record.
func (c *Client) PublishSessionEnded(data []byte) error {
	return c.Publish(SubjectSessionEnded, data)
}

// SubscribeHistoryMessages subscribes to appended messages for all
// sessions using a wildcard subject.
func (c *Client) SubscribeHistoryMessages(handler func(data []byte)) error {
	return c.Subscribe(SubjectHistoryMessage+".>", func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// SubscribeSessionCreated subscribes to session-created records.
func (c *Client) SubscribeSessionCreated(handler func(data []byte)) error {
	return c.Subscribe(SubjectSessionCreated, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// SubscribeSessionEnded subscribes to session-ended records.
func (c *Client) SubscribeSessionEnded(handler func(data []byte)) error {
	return c.Subscribe(SubjectSessionEnded, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
