package uds

import (
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/msageha/nightline/internal/logging"
)

type HandlerFunc func(req *Request) *Response

type Server struct {
	socketPath  string
	log         *logging.Logger
	connTimeout time.Duration

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	listener net.Listener
	wg       sync.WaitGroup
	done     chan struct{}
	stop     sync.Once
}

func NewServer(socketPath string, log *logging.Logger) *Server {
	return &Server{
		socketPath:  socketPath,
		log:         log.With("uds"),
		connTimeout: 10 * time.Second,
		handlers:    make(map[string]HandlerFunc),
		done:        make(chan struct{}),
	}
}

func (s *Server) SetConnTimeout(d time.Duration) {
	s.connTimeout = d
}

func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

// Start listens on the socket, replacing a stale socket file, and serves
// connections in the background.
func (s *Server) Start() error {
	_ = os.Remove(s.socketPath)
	l, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = l.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = l

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener, waits for in-flight requests and removes the
// socket file. It is safe to call more than once.
func (s *Server) Stop() {
	s.stop.Do(func() {
		close(s.done)
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.wg.Wait()
		_ = os.Remove(s.socketPath)
	})
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				s.log.Warnf("accept: %v", err)
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("panic in control handler: %v\n%s", r, debug.Stack())
		}
	}()

	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.log.Debugf("read request: %v", err)
		return
	}
	if err := WriteFrame(conn, s.process(&req)); err != nil {
		s.log.Debugf("write response: %v", err)
	}
}

func (s *Server) process(req *Request) *Response {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion))
	}
	s.mu.RLock()
	h, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}
	return h(req)
}
