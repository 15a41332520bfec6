//go:build linux

package ws

import (
	"log"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// poller wraps Linux epoll for read readiness on many connections without a
// goroutine per connection.
type poller struct {
	fd     int
	conns  map[int]net.Conn
	mu     sync.RWMutex
	events []unix.EpollEvent
}

func newPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &poller{
		fd:     fd,
		conns:  make(map[int]net.Conn),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

func (p *poller) add(conn net.Conn) error {
	fd := socketFD(conn)
	if err := unix.EpollCtl(p.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP,
		Fd:     int32(fd),
	}); err != nil {
		return err
	}

	p.mu.Lock()
	p.conns[fd] = conn
	p.mu.Unlock()
	return nil
}

func (p *poller) remove(conn net.Conn) error {
	fd := socketFD(conn)
	p.mu.Lock()
	delete(p.conns, fd)
	p.mu.Unlock()
	return unix.EpollCtl(p.fd, syscall.EPOLL_CTL_DEL, fd, nil)
}

// wait blocks until registered connections are readable. Connections removed
// between epoll_wait returning and the lookup are skipped.
func (p *poller) wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(p.fd, p.events, -1)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	conns := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		if conn, ok := p.conns[int(p.events[i].Fd)]; ok {
			conns = append(conns, conn)
		}
	}
	p.mu.RUnlock()
	return conns, nil
}

func (p *poller) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns = nil
	return unix.Close(p.fd)
}

// startPoller creates the epoll instance and runs the event loop in the
// background.
func (s *Server) startPoller() error {
	p, err := newPoller()
	if err != nil {
		return err
	}
	s.poller = p
	go s.eventLoop()
	return nil
}

func (s *Server) stopPoller() {
	if s.poller != nil {
		_ = s.poller.close()
	}
}

func (s *Server) watch(c *Connection) error {
	return s.poller.add(c.Conn)
}

func (s *Server) unwatch(c *Connection) {
	if s.poller != nil {
		_ = s.poller.remove(c.Conn)
	}
}

// eventLoop hands every readable connection to a worker goroutine, bounded by
// the worker pool semaphore.
func (s *Server) eventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller.wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if err == unix.EINTR {
				continue
			}
			log.Printf("ws: epoll wait error: %v", err)
			continue
		}

		for _, netConn := range conns {
			c := s.conns.GetByFd(socketFD(netConn))
			if c == nil {
				continue
			}

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleReady(c)
			}()
		}
	}
}

// socketFD extracts the file descriptor from a net.Conn through SyscallConn,
// which keeps the original fd valid for epoll registration.
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
