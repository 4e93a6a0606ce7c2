// Package wsconn wraps gorilla websocket connections with a buffered,
// non-blocking send queue and keepalive pings.
package wsconn

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	readBufferSize  = 1024
	writeBufferSize = 1024
	writeTimeout    = 10 * time.Second
	pongWait        = 60 * time.Second
	pingInterval    = pongWait * 9 / 10

	DefaultReadLimit = 1 << 20
)

var (
	ErrQueueFull = errors.New("websocket send queue full")
	ErrClosed    = errors.New("websocket closed")
)

// OriginAllowed accepts requests without an Origin header, origins listed in
// allowed, and same-host origins when allowed is empty.
func OriginAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Hostname() == "" {
		return false
	}
	if len(allowed) > 0 {
		for _, a := range allowed {
			if strings.EqualFold(origin, a) || strings.EqualFold(parsed.Hostname(), a) {
				return true
			}
		}
		return false
	}
	host := r.Host
	if h, _, ok := strings.Cut(host, ":"); ok && !strings.HasPrefix(host, "[") {
		host = h
	}
	return strings.EqualFold(parsed.Hostname(), strings.Trim(host, "[]"))
}

func Upgrade(w http.ResponseWriter, r *http.Request, allowed []string) (*websocket.Conn, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  readBufferSize,
		WriteBufferSize: writeBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return OriginAllowed(r, allowed)
		},
	}
	return upgrader.Upgrade(w, r, nil)
}

// Conn owns one websocket. All writes go through its write loop.
type Conn struct {
	ws   *websocket.Conn
	out  chan any
	done chan struct{}
	once sync.Once
}

// New starts the write loop for ws. queue bounds the pending sends.
func New(ws *websocket.Conn, queue int, readLimit int64) *Conn {
	if queue <= 0 {
		queue = 64
	}
	if readLimit <= 0 {
		readLimit = DefaultReadLimit
	}
	ws.SetReadLimit(readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	c := &Conn{
		ws:   ws,
		out:  make(chan any, queue),
		done: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *Conn) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	defer func() { _ = c.ws.Close() }()
	defer c.Close()

	for {
		select {
		case v := <-c.out:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := c.ws.WriteJSON(v); err != nil {
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-c.done:
			deadline := time.Now().Add(time.Second)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

// Send queues v for writing as JSON without blocking.
func (c *Conn) Send(v any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.out <- v:
		return nil
	default:
		return ErrQueueFull
	}
}

// ReadJSON blocks for the next message and decodes it into v.
func (c *Conn) ReadJSON(v any) error {
	if err := c.ws.ReadJSON(v); err != nil {
		return err
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	return nil
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close tells the write loop to send a close frame and release the socket.
// It is idempotent.
func (c *Conn) Close() {
	c.once.Do(func() { close(c.done) })
}

// IsUnexpectedClose reports whether err is a close other than a normal
// shutdown by the peer.
func IsUnexpectedClose(err error) bool {
	return websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
