// Package server implements the listener collaborator of spec.md §6
// (External Interfaces): it owns the TCP accept loop and hands each
// accepted socket to the connection arena. Binding and port fallback are
// explicitly outside the core packages (spec.md §1), so this stays a thin
// helper grounded on the teacher's server/server.go rather than a core
// component.
package server

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	minPort = 6881
	maxPort = 6980
)

// Acceptor is the subset of peer.Manager the listener drives.
type Acceptor interface {
	Accept(conn net.Conn) error
}

// Server accepts inbound peer connections on a single bound port, walking
// from minPort to maxPort on conflict (spec.md §6 Environment).
type Server struct {
	listener net.Listener
	port     int
	acceptor Acceptor
	log      *zap.Logger
	quit     chan struct{}
}

var listen = net.Listen

// Listen binds the first free port in [6881, 6980] and returns a Server
// ready to Serve. log may be nil, in which case a no-op logger is used.
func Listen(acceptor Acceptor, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var lastErr error
	for port := minPort; port <= maxPort; port++ {
		l, err := listen("tcp4", net.JoinHostPort("", strconv.Itoa(port)))
		if err == nil {
			return &Server{listener: l, port: port, acceptor: acceptor, log: log, quit: make(chan struct{})}, nil
		}
		lastErr = err
	}
	return nil, errors.Wrapf(lastErr, "server: no free port in [%d, %d]", minPort, maxPort)
}

// Port reports the bound local port.
func (s *Server) Port() int { return s.port }

// Serve runs the accept loop on the calling goroutine's behalf — callers
// invoke it via `go s.Serve()` — until Stop is called.
func (s *Server) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			s.log.Warn("server: accept failed", zap.Error(err))
			return
		}
		if err := s.acceptor.Accept(conn); err != nil {
			s.log.Debug("server: rejected inbound connection", zap.Error(err), zap.String("remote", conn.RemoteAddr().String()))
		}
	}
}

// Stop closes the listener and unblocks Serve.
func (s *Server) Stop() error {
	close(s.quit)
	return s.listener.Close()
}
