// Package tcpserver owns the listening socket. It accepts connections,
// assigns them ids, registers them in a live-connection map and hands
// them straight to the lobby, which owns them from then on.
package tcpserver

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/smercas/chess-server/logger"
	"github.com/smercas/chess-server/safemap"
	"github.com/smercas/chess-server/wire"
)

// Admitter receives every accepted connection. The server never reads
// from a connection itself.
type Admitter interface {
	Admit(c *wire.Conn)
}

// TCPServer accepts connections on Addr and delegates them to Lobby. The
// accept loop runs in its own goroutine between Start and Stop. Conns
// tracks every connection that has not been closed yet, for diagnostics
// and shutdown; entries remove themselves when the connection closes,
// whichever component closes it.
type TCPServer struct {
	Logger   logger.Logger
	Name     string
	Addr     string
	Lobby    Admitter
	Listener net.Listener
	Conns    *safemap.SafeMap[uint64, *wire.Conn]
	Running  atomic.Bool

	nextID atomic.Uint64
}

// New creates a server that will listen on addr.
func New(name, addr string, lobby Admitter, log logger.Logger) *TCPServer {
	return &TCPServer{
		Logger: log,
		Name:   name,
		Addr:   addr,
		Lobby:  lobby,
		Conns:  safemap.NewSafeMap[uint64, *wire.Conn](),
	}
}

// Start binds the listener and begins accepting in a goroutine. It fails
// when the server is already running or the address cannot be bound.
func (s *TCPServer) Start() error {
	if s.Running.Load() {
		return fmt.Errorf("server %s already running", s.Name)
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("server %s failed to start: %w", s.Name, err)
	}
	s.Listener = ln
	s.Running.Store(true)

	s.Logger.Info("server started",
		logger.Field{Key: "name", Value: s.Name},
		logger.Field{Key: "addr", Value: ln.Addr().String()})
	go s.AcceptLoop()
	return nil
}

// Stop closes the listener and every connection still registered. Safe to
// call when the server is not running.
func (s *TCPServer) Stop() {
	if !s.Running.Swap(false) {
		return
	}
	if s.Listener != nil {
		_ = s.Listener.Close()
	}
	s.Conns.Range(func(_ uint64, c *wire.Conn) bool {
		_ = c.Close()
		return true
	})
	s.Logger.Info("server stopped", logger.Field{Key: "name", Value: s.Name})
}

// ListenAddr returns the bound address, useful when Addr asked for an
// ephemeral port.
func (s *TCPServer) ListenAddr() string {
	if s.Listener == nil {
		return s.Addr
	}
	return s.Listener.Addr().String()
}

// AcceptLoop accepts until the listener closes. Each connection gets the
// next id, an entry in Conns that its close hook removes, and a seat in
// the lobby.
func (s *TCPServer) AcceptLoop() {
	for s.Running.Load() {
		conn, err := s.Listener.Accept()
		if err != nil {
			if !s.Running.Load() {
				return
			}
			s.Logger.Error("accept error",
				logger.Field{Key: "name", Value: s.Name},
				logger.Field{Key: "error", Value: err.Error()})
			continue
		}

		id := s.nextID.Add(1)
		c := wire.NewConn(conn, id, func(id uint64) {
			s.Conns.Delete(id)
		})
		s.Conns.Store(id, c)
		s.Logger.Info("connection accepted",
			logger.Field{Key: "conn_id", Value: id},
			logger.Field{Key: "remote", Value: conn.RemoteAddr().String()})
		s.Lobby.Admit(c)
	}
}
