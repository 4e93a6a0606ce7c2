// Package operator serves the websocket endpoint operator clients connect
// to. It moves envelopes only; decryption happens in the router.
package operator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/msageha/nightline/internal/envelope"
	"github.com/msageha/nightline/internal/logging"
	"github.com/msageha/nightline/internal/model"
	"github.com/msageha/nightline/internal/wsconn"
)

// Envelopes can carry many 344-byte chunks.
const maxEnvelopeBytes = 4 << 20

type Server struct {
	origins []string
	queue   int
	log     *logging.Logger
	in      chan envelope.Envelope

	mu    sync.Mutex
	conns map[string]*wsconn.Conn
}

func NewServer(queue int, origins []string, log *logging.Logger) *Server {
	if queue <= 0 {
		queue = 64
	}
	return &Server{
		origins: origins,
		queue:   queue,
		log:     log.With("operator"),
		in:      make(chan envelope.Envelope, queue),
		conns:   make(map[string]*wsconn.Conn),
	}
}

func (s *Server) Inbound() <-chan envelope.Envelope {
	return s.in
}

// Connected returns the number of operator ids with a live socket.
func (s *Server) Connected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Send queues env on the socket bound to env.UUID without blocking.
func (s *Server) Send(env envelope.Envelope) error {
	s.mu.Lock()
	conn, ok := s.conns[env.UUID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("operator %s has no socket: %w", env.UUID, model.ErrUnknownRecipient)
	}
	if err := conn.Send(env); err != nil {
		return fmt.Errorf("operator %s: %v: %w", env.UUID, err, model.ErrAdapterUnavailable)
	}
	return nil
}

// ServeHTTP binds the socket to the operator id of its first envelope.
// A newer socket for the same id replaces the older one.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := wsconn.Upgrade(w, r, s.origins)
	if err != nil {
		s.log.Warnf("upgrade failed: %v", err)
		return
	}
	conn := wsconn.New(ws, s.queue, maxEnvelopeBytes)
	var bound string
	defer func() {
		if bound != "" {
			s.unbind(bound, conn)
		}
		conn.Close()
	}()

	ctx := r.Context()
	for {
		var env envelope.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if wsconn.IsUnexpectedClose(err) {
				s.log.Debugf("read error for %s: %v", bound, err)
			}
			return
		}
		if _, err := uuid.Parse(env.UUID); err != nil {
			s.log.Warnf("drop envelope with invalid operator id")
			continue
		}
		if bound == "" {
			bound = env.UUID
			s.bind(bound, conn)
		} else if env.UUID != bound {
			s.log.Warnf("drop envelope for %s on socket bound to %s", env.UUID, bound)
			continue
		}

		select {
		case s.in <- env:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) bind(id string, conn *wsconn.Conn) {
	s.mu.Lock()
	old := s.conns[id]
	s.conns[id] = conn
	s.mu.Unlock()
	if old != nil {
		s.log.Infof("operator %s reconnected, closing old socket", id)
		old.Close()
	}
}

func (s *Server) unbind(id string, conn *wsconn.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[id] == conn {
		delete(s.conns, id)
	}
}

// Run closes every socket when ctx ends.
func (s *Server) Run(ctx context.Context) error {
	<-ctx.Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.conns {
		c.Close()
		delete(s.conns, id)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}
