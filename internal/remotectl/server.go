// Package remotectl implements the remote control surface: a
// one-client-at-a-time line protocol server over a raw net.Listener.
package remotectl

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ehrlich-b/devicefleet/internal/logging"
	"github.com/ehrlich-b/devicefleet/internal/remotectl/lineproto"
)

// bindTimeout bounds how long GetPort waits for the listener to bind.
const bindTimeout = 10 * time.Second

// Handler is the minimal scheduler surface the remote control server
// dispatches onto. It is declared locally, structurally matching
// *internal/scheduler.Scheduler's Filter/Unfilter/AddRemoteCommand
// methods, so this package never imports internal/scheduler.
type Handler interface {
	Filter(serial string) bool
	Unfilter(serial string) bool
	AddRemoteCommand(totalMillis int64, args []string) bool
}

// Server accepts one remote control client at a time. A "close" line
// both ends that client's session and terminates the listener.
type Server struct {
	addr    string
	handler Handler
	log     *logging.Logger

	mu   sync.Mutex
	ln   net.Listener
	port int

	bound     chan struct{}
	boundOnce sync.Once
}

// New creates a Server. addr is the listen address; an empty addr or a
// ":0"/"host:0" address binds an ephemeral port.
func New(addr string, handler Handler, logger *logging.Logger) *Server {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Server{
		addr:    addr,
		handler: handler,
		log:     logger,
		bound:   make(chan struct{}),
	}
}

// Serve binds the listener and runs the accept loop until ctx is
// canceled or a client sends "close". It returns nil on either
// termination path and a non-nil error only for a genuine accept
// failure.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("remotectl: listen %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.ln = ln
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.mu.Unlock()
	s.boundOnce.Do(func() { close(s.bound) })
	s.log.Info("remote control listening", "port", s.port)

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
		case <-stopped:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("remotectl: accept: %w", err)
			}
		}

		if s.handleConn(conn) {
			_ = ln.Close()
			return nil
		}
	}
}

// GetPort waits up to bindTimeout for the listener to bind and returns
// its ephemeral port.
func (s *Server) GetPort(ctx context.Context) (int, error) {
	select {
	case <-s.bound:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.port, nil
	case <-time.After(bindTimeout):
		return 0, fmt.Errorf("remotectl: listener did not bind within %s", bindTimeout)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// handleConn services one client's full session, line by line, until
// the connection closes or EOFs. It reports whether the client's
// session ended with "close", which also terminates the listener.
func (s *Server) handleConn(conn net.Conn) (listenerClosed bool) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		req := lineproto.Decode(scanner.Text())
		if req.Verb == lineproto.VerbClose {
			_, _ = conn.Write([]byte(lineproto.EncodeBool(true)))
			return true
		}
		ok := s.dispatch(req)
		if _, err := conn.Write([]byte(lineproto.EncodeBool(ok))); err != nil {
			return false
		}
	}
	return false
}

func (s *Server) dispatch(req lineproto.Request) bool {
	switch req.Verb {
	case lineproto.VerbFilter:
		return s.handler.Filter(req.Serial)
	case lineproto.VerbUnfilter:
		return s.handler.Unfilter(req.Serial)
	case lineproto.VerbAddCommand:
		return s.handler.AddRemoteCommand(req.Millis, req.Args)
	default:
		return false
	}
}
