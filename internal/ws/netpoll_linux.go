//go:build linux

package ws

import (
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// waitTimeoutMs bounds each epoll_wait so the event loop notices shutdown.
const waitTimeoutMs = 500

// netpoll wraps Linux epoll syscalls for WebSocket I/O multiplexing. Instead
// of parking a goroutine per connection, descriptors are registered with the
// kernel and the event loop is told only which ones have data to read.
type netpoll struct {
	fd     int
	mu     sync.RWMutex
	conns  map[int]*Connection // fd -> Connection
	events []unix.EpollEvent   // reusable event buffer for Wait
}

func newNetpoll() (*netpoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &netpoll{
		fd:     fd,
		conns:  make(map[int]*Connection),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers c for read readiness (EPOLLIN) and hang-up notifications.
func (p *netpoll) Add(c *Connection) error {
	c.fd = socketFD(c.conn)
	if c.fd < 0 {
		return syscall.EINVAL
	}
	if err := unix.EpollCtl(p.fd, syscall.EPOLL_CTL_ADD, c.fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP,
		Fd:     int32(c.fd),
	}); err != nil {
		return err
	}

	p.mu.Lock()
	p.conns[c.fd] = c
	p.mu.Unlock()
	return nil
}

// Remove unregisters c. Removing an unknown connection is harmless.
func (p *netpoll) Remove(c *Connection) error {
	p.mu.Lock()
	if cur, ok := p.conns[c.fd]; !ok || cur != c {
		p.mu.Unlock()
		return nil
	}
	delete(p.conns, c.fd)
	p.mu.Unlock()
	return unix.EpollCtl(p.fd, syscall.EPOLL_CTL_DEL, c.fd, nil)
}

// Wait blocks until registered connections are ready for reading or the
// wait times out, in which case it returns an empty slice.
func (p *netpoll) Wait() ([]*Connection, error) {
	n, err := unix.EpollWait(p.fd, p.events, waitTimeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	p.mu.RLock()
	conns := make([]*Connection, 0, n)
	for i := 0; i < n; i++ {
		if c, ok := p.conns[int(p.events[i].Fd)]; ok {
			conns = append(conns, c)
		}
	}
	p.mu.RUnlock()
	return conns, nil
}

// Resume is a no-op: epoll is level-triggered, so unread data is reported
// again by the next Wait.
func (p *netpoll) Resume(*Connection) {}

// Close closes the epoll file descriptor.
func (p *netpoll) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns = nil
	return unix.Close(p.fd)
}

// socketFD extracts the file descriptor from a net.Conn using the
// SyscallConn interface. This avoids duplicating the descriptor (which
// File() does), keeping the original fd valid for epoll registration.
func socketFD(conn any) int {
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
