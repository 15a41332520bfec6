//go:build !linux

package ws

import "net"

// Without epoll each connection gets its own blocking read loop.
type poller struct{}

func (s *Server) startPoller() error { return nil }

func (s *Server) stopPoller() {}

func (s *Server) watch(c *Connection) error {
	go func() {
		for s.handleReady(c) {
		}
	}()
	return nil
}

func (s *Server) unwatch(c *Connection) {}

func socketFD(conn net.Conn) int {
	return -1
}
