//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Epoll multiplexes read readiness over all WebSocket connections with a
// single epoll descriptor, so the server does not need a reader goroutine
// per connection.
type Epoll struct {
	fd    int
	mu    sync.RWMutex
	byFd  map[int]net.Conn
	ready []unix.EpollEvent
}

func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:    fd,
		byFd:  make(map[int]net.Conn),
		ready: make([]unix.EpollEvent, 128),
	}, nil
}

// Add puts a connection on the epoll interest list for EPOLLIN and EPOLLHUP.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP,
		Fd:     int32(fd),
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.byFd[fd] = conn
	e.mu.Unlock()
	return nil
}

// Remove takes a connection off the interest list.
func (e *Epoll) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, fd, nil); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.byFd, fd)
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one registered connection is readable and
// returns the ready connections. Descriptors removed between the kernel
// wakeup and the map lookup are skipped.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.ready, -1)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	conns := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		if conn, ok := e.byFd[int(e.ready[i].Fd)]; ok {
			conns = append(conns, conn)
		}
	}
	return conns, nil
}

func (e *Epoll) Close() error {
	e.mu.Lock()
	e.byFd = nil
	e.mu.Unlock()
	return unix.Close(e.fd)
}

// socketFD digs the raw file descriptor out of a net.Conn without
// duplicating it, so the fd stays valid for epoll registration.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
