package ws

import (
	"log"

	"github.com/quietline/anonchat/internal/engine"
	"github.com/quietline/anonchat/internal/protocol"
)

// connHandle adapts a Connection to the engine's Handle interface,
// translating engine events into protocol messages. Deliver runs with the
// engine lock held, so it must not call back into the engine and must not
// block: it only enqueues the frame to the connection's bounded outbox,
// which a per-connection goroutine drains under a write deadline. A
// client too slow to drain its outbox loses pushes and recovers them via
// the history resync on its next find_partner.
type connHandle struct {
	conn *Connection
}

// NewHandle wraps a connection as an engine.Handle.
func NewHandle(conn *Connection) engine.Handle {
	return &connHandle{conn: conn}
}

func (h *connHandle) Key() string {
	return h.conn.ID
}

func (h *connHandle) Deliver(ev engine.Event) error {
	var (
		data []byte
		err  error
	)

	switch e := ev.(type) {
	case engine.WaitingEvent:
		data, err = protocol.NewServerMessage(protocol.TypeWaiting, protocol.WaitingMsg{})

	case engine.SearchCancelledEvent:
		data, err = protocol.NewServerMessage(protocol.TypeSearchCancelled, protocol.SearchCancelledMsg{})

	case engine.SessionJoinedEvent:
		history := make([]protocol.HistoryMessage, 0, len(e.History))
		for _, m := range e.History {
			history = append(history, protocol.HistoryMessage{
				ID:       m.ID,
				SenderID: m.SenderID,
				Text:     m.Text,
				Ts:       m.Ts,
			})
		}
		data, err = protocol.NewServerMessage(protocol.TypeSessionJoined, protocol.SessionJoinedMsg{
			SessionID: e.SessionID,
			History:   history,
		})

	case engine.MessageEvent:
		data, err = protocol.NewServerMessage(protocol.TypeMessage, protocol.ServerChatMsg{
			ID:        e.Message.ID,
			SessionID: e.Message.SessionID,
			SenderID:  e.Message.SenderID,
			Text:      e.Message.Text,
			Ts:        e.Message.Ts,
		})

	case engine.SessionEndedEvent:
		data, err = protocol.NewServerMessage(protocol.TypeSessionEnded, protocol.SessionEndedMsg{
			SessionID: e.SessionID,
			Reason:    string(e.Reason),
		})

	default:
		log.Printf("ws: unknown engine event %T for conn=%s", ev, h.conn.ID)
		return nil
	}

	if err != nil {
		log.Printf("ws: failed to build event message conn=%s: %v", h.conn.ID, err)
		return err
	}
	if err := h.conn.Enqueue(data); err != nil {
		log.Printf("ws: dropping event for conn=%s: %v", h.conn.ID, err)
		return err
	}
	return nil
}
