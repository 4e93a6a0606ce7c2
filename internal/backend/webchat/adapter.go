// Package webchat is a backend adapter for browser chat widgets. Every
// websocket connection is one anonymous end user.
package webchat

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/msageha/nightline/internal/backend"
	"github.com/msageha/nightline/internal/logging"
	"github.com/msageha/nightline/internal/model"
	"github.com/msageha/nightline/internal/wsconn"
)

const maxFrameBytes = 16 * 1024

// Frame is the JSON message exchanged with widgets in both directions.
type Frame struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	State   string `json:"state,omitempty"`
	Address string `json:"address,omitempty"`
}

const (
	FrameMsg       = "msg"
	FrameChatState = "chat_state"
	FrameHello     = "hello"
)

type client struct {
	conn    *wsconn.Conn
	limiter *rate.Limiter
}

type Adapter struct {
	*backend.Channels

	cfg     model.BackendConfig
	origins []string
	queue   int
	log     *logging.Logger

	mu      sync.Mutex
	clients map[string]*client
}

func New(cfg model.BackendConfig, queue int, origins []string, log *logging.Logger) *Adapter {
	return &Adapter{
		Channels: backend.NewChannels(cfg.Name, queue),
		cfg:      cfg,
		origins:  origins,
		queue:    queue,
		log:      log.With("webchat:" + cfg.Name),
		clients:  make(map[string]*client),
	}
}

func (a *Adapter) Path() string {
	return a.cfg.Path
}

// Connected returns the number of open widget connections.
func (a *Adapter) Connected() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.clients)
}

// ServeHTTP upgrades the request and reads frames until the widget leaves.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := wsconn.Upgrade(w, r, a.origins)
	if err != nil {
		a.log.Warnf("upgrade failed: %v", err)
		return
	}
	conn := wsconn.New(ws, a.queue, maxFrameBytes)
	addr := uuid.New().String()
	c := &client{
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(a.cfg.RatePerSec), a.cfg.Burst),
	}

	a.mu.Lock()
	a.clients[addr] = c
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.clients, addr)
		a.mu.Unlock()
		conn.Close()
	}()

	_ = conn.Send(Frame{Type: FrameHello, Address: addr})
	a.log.Debugf("widget connected")

	ctx := r.Context()
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			if wsconn.IsUnexpectedClose(err) {
				a.log.Debugf("widget read error: %v", err)
			}
			return
		}
		if !c.limiter.Allow() {
			a.log.Debugf("widget frame rate limited")
			continue
		}
		var in backend.Inbound
		switch f.Type {
		case FrameMsg:
			in = backend.Inbound{Kind: backend.KindMessage, Address: addr, Text: f.Text}
		case FrameChatState:
			in = backend.Inbound{Kind: backend.KindChatState, Address: addr, State: f.State}
		default:
			a.log.Debugf("unknown widget frame type %q", f.Type)
			continue
		}
		if err := a.Push(ctx, in); err != nil {
			return
		}
	}
}

// Run announces the backend and delivers outbound items until ctx ends.
func (a *Adapter) Run(ctx context.Context) error {
	if err := a.PushStatus(ctx, "session_start"); err != nil {
		return nil
	}
	defer a.closeAll()

	for {
		select {
		case <-ctx.Done():
			return nil
		case o := <-a.Outbound():
			a.deliver(o)
		}
	}
}

func (a *Adapter) deliver(o backend.Outbound) {
	a.mu.Lock()
	c, ok := a.clients[o.Address]
	a.mu.Unlock()
	if !ok {
		a.log.Debugf("drop outbound: widget gone")
		return
	}
	f := Frame{Type: FrameMsg, Text: o.Text, State: o.State}
	if o.Text == "" {
		f.Type = FrameChatState
	}
	if err := c.conn.Send(f); err != nil {
		a.log.Warnf("drop outbound: %v", err)
	}
}

func (a *Adapter) closeAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.clients {
		c.conn.Close()
	}
}
