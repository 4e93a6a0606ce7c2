package operator

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/msageha/nightline/internal/envelope"
	"github.com/msageha/nightline/internal/logging"
	"github.com/msageha/nightline/internal/model"
)

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	s := NewServer(8, nil, logging.Discard())
	srv := httptest.NewServer(s)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return s, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func recvEnvelope(t *testing.T, s *Server) envelope.Envelope {
	t.Helper()
	select {
	case env := <-s.Inbound():
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope")
		return envelope.Envelope{}
	}
}

func TestServerBindsAndRoutes(t *testing.T) {
	s, url := startServer(t)
	id := uuid.New().String()

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()

	if err := s.Send(envelope.Envelope{UUID: id}); !errors.Is(err, model.ErrUnknownRecipient) {
		t.Fatalf("Send before bind = %v, want ErrUnknownRecipient", err)
	}

	if err := ws.WriteJSON(envelope.Envelope{Messages: []string{"x"}, UUID: id, To: envelope.ToBroker}); err != nil {
		t.Fatal(err)
	}
	got := recvEnvelope(t, s)
	if got.UUID != id || got.To != envelope.ToBroker {
		t.Errorf("got %+v", got)
	}

	if err := s.Send(envelope.Envelope{Messages: []string{"y"}, UUID: id, To: envelope.ToOperator}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var out envelope.Envelope
	if err := ws.ReadJSON(&out); err != nil {
		t.Fatalf("read: %v", err)
	}
	if out.To != envelope.ToOperator || out.Messages[0] != "y" {
		t.Errorf("out = %+v", out)
	}
	if s.Connected() != 1 {
		t.Errorf("Connected = %d", s.Connected())
	}
}

func TestServerDropsForeignAndInvalidIDs(t *testing.T) {
	s, url := startServer(t)
	id := uuid.New().String()

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()

	_ = ws.WriteJSON(envelope.Envelope{UUID: "not-a-uuid", To: envelope.ToBroker})
	_ = ws.WriteJSON(envelope.Envelope{UUID: id, To: envelope.ToBroker})
	_ = ws.WriteJSON(envelope.Envelope{UUID: uuid.New().String(), To: envelope.ToBroker})
	_ = ws.WriteJSON(envelope.Envelope{UUID: id, To: "marker"})

	if got := recvEnvelope(t, s); got.UUID != id {
		t.Errorf("first = %+v", got)
	}
	if got := recvEnvelope(t, s); got.To != "marker" {
		t.Errorf("second = %+v, foreign id should have been dropped", got)
	}
}
