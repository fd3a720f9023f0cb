package ws

import (
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// outboxSize bounds the number of frames queued per connection before the
// slowest client starts losing pushes.
const outboxSize = 64

// ErrOutboxFull is returned by Enqueue when the connection's outbox is at
// capacity; the frame is dropped rather than blocking the caller.
var ErrOutboxFull = errors.New("ws: connection outbox full")

// Connection represents a single WebSocket client connection with its
// associated metadata, a write mutex serializing outbound frames, and a
// bounded outbox drained by a dedicated writer goroutine.
//
// UserID and DeviceID are empty until the client identifies itself with a
// find_partner message; they are written only from the connection's read
// worker (the processing flag guarantees a single reader at a time).
type Connection struct {
	ID        string    // connection ID (UUID), the engine handle key
	UserID    string    // opaque user token bound by find_partner
	DeviceID  string    // client-stable ID used as default dedup nonce
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor for epoll lookups
	CreatedAt time.Time // when the connection was established

	writeTimeout time.Duration
	lastPing     atomic.Int64 // unix nanos of last heartbeat from the client

	out       chan []byte // bounded outbox drained by writeLoop
	outMu     sync.RWMutex
	outClosed bool

	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read
}

// NewConnection wraps an upgraded network connection and starts its writer
// goroutine. The goroutine exits when Close is called.
func NewConnection(id string, conn net.Conn, fd int, writeTimeout time.Duration) *Connection {
	c := &Connection{
		ID:           id,
		Conn:         conn,
		Fd:           fd,
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
		out:          make(chan []byte, outboxSize),
	}
	c.TouchPing()
	go c.writeLoop()
	return c
}

// TouchPing records that the client just proved liveness.
func (c *Connection) TouchPing() {
	c.lastPing.Store(time.Now().UnixNano())
}

// LastPing returns the time the client last proved liveness. Safe to call
// from the heartbeat goroutine while read workers update it.
func (c *Connection) LastPing() time.Time {
	return time.Unix(0, c.lastPing.Load())
}

// Enqueue queues a text frame for the writer goroutine and returns
// immediately. It never blocks on the peer: a full outbox or a closed
// connection drops the frame with an error. A later history resync covers
// anything dropped here.
func (c *Connection) Enqueue(data []byte) error {
	c.outMu.RLock()
	defer c.outMu.RUnlock()

	if c.outClosed {
		return net.ErrClosed
	}
	select {
	case c.out <- data:
		return nil
	default:
		return ErrOutboxFull
	}
}

// writeLoop drains the outbox until Close shuts it. Write errors are
// logged and the remaining frames are still attempted; each attempt is
// bounded by the write deadline, so a dead peer cannot park the loop.
func (c *Connection) writeLoop() {
	for data := range c.out {
		if err := c.WriteMessage(data); err != nil {
			log.Printf("ws: write to conn %s failed: %v", c.ID, err)
		}
	}
}

// WriteMessage sends a WebSocket text frame to this connection under the
// configured write deadline. The write mutex ensures that concurrent
// goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close stops the writer goroutine and closes the underlying network
// connection. Safe to call more than once.
func (c *Connection) Close() error {
	c.outMu.Lock()
	if !c.outClosed {
		c.outClosed = true
		if c.out != nil {
			close(c.out)
		}
	}
	c.outMu.Unlock()

	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry that maps connection IDs and
// file descriptors to their respective Connection objects.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
	byFd map[int]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, conn.Fd)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	return cm.GetByFd(socketFD(c))
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
