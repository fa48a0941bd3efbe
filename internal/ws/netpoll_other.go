//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// netpoll is the goroutine-per-connection fallback for platforms without
// epoll. Each connection gets a monitor that peeks for the next byte through
// a buffered reader, so nothing is consumed before the server reads the frame.
type netpoll struct {
	mu      sync.Mutex
	resume  map[*Connection]chan struct{}
	ready   chan *Connection
	done    chan struct{}
	closeMu sync.Once
}

func newNetpoll() (*netpoll, error) {
	return &netpoll{
		resume: make(map[*Connection]chan struct{}),
		ready:  make(chan *Connection, 128),
		done:   make(chan struct{}),
	}, nil
}

func (p *netpoll) Add(c *Connection) error {
	br := bufio.NewReader(c.conn)
	c.reader = br
	resume := make(chan struct{}, 1)

	p.mu.Lock()
	p.resume[c] = resume
	p.mu.Unlock()

	go p.monitor(c, br, resume)
	return nil
}

// monitor signals readiness once per frame and then waits for Resume before
// peeking again. A read error is reported as readiness too, so the server's
// read path observes the closure.
func (p *netpoll) monitor(c *Connection, br *bufio.Reader, resume <-chan struct{}) {
	for {
		_, err := br.Peek(1)
		select {
		case p.ready <- c:
		case <-p.done:
			return
		}
		if err != nil {
			return
		}
		select {
		case _, ok := <-resume:
			if !ok {
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *netpoll) Remove(c *Connection) error {
	p.mu.Lock()
	if ch, ok := p.resume[c]; ok {
		delete(p.resume, c)
		close(ch)
	}
	p.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready and drains any others
// that are ready without blocking.
func (p *netpoll) Wait() ([]*Connection, error) {
	var first *Connection
	select {
	case first = <-p.ready:
	case <-p.done:
		return nil, net.ErrClosed
	}

	conns := []*Connection{first}
	for {
		select {
		case c := <-p.ready:
			conns = append(conns, c)
		default:
			return conns, nil
		}
	}
}

// Resume lets c's monitor look for the next frame.
func (p *netpoll) Resume(c *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.resume[c]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (p *netpoll) Close() error {
	p.closeMu.Do(func() { close(p.done) })
	return nil
}
