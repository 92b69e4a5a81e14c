package channel

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Conn is one established transport connection carrying text frames.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Pinger is implemented by connections that need application keepalives.
type Pinger interface {
	Ping() error
}

// Dialer opens a new Conn. It is called again for every reconnect.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPongWait     = 60 * time.Second
	defaultReadLimit    = 1 << 20
)

// WebsocketDialer dials a gorilla websocket. Token, when set, is sent as a
// bearer Authorization header on every handshake.
type WebsocketDialer struct {
	URL          string
	Token        func() string
	Header       http.Header
	WriteTimeout time.Duration
	// PongWait bounds how long a silent connection is trusted. Zero uses the
	// default, negative disables read deadlines.
	PongWait time.Duration
	Dialer   *websocket.Dialer
}

var _ Dialer = &WebsocketDialer{}

func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	if d == nil || d.URL == "" {
		return nil, errors.New("websocket dialer: empty url")
	}
	h := http.Header{}
	for k, v := range d.Header {
		h[k] = append([]string(nil), v...)
	}
	if d.Token != nil {
		if tok := d.Token(); tok != "" {
			h.Set("Authorization", "Bearer "+tok)
		}
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, d.URL, h)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "websocket dial %s: status %d", d.URL, resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "websocket dial %s", d.URL)
	}

	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	pongWait := d.PongWait
	if pongWait == 0 {
		pongWait = defaultPongWait
	}
	c := &wsConn{ws: ws, writeTimeout: writeTimeout, pongWait: pongWait}
	ws.SetReadLimit(defaultReadLimit)
	if pongWait > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
	}
	return c, nil
}

// PingInterval is how often the adapter should ping a connection produced by
// this dialer, or zero when keepalives are disabled.
func (d *WebsocketDialer) PingInterval() time.Duration {
	pongWait := d.PongWait
	if pongWait == 0 {
		pongWait = defaultPongWait
	}
	if pongWait < 0 {
		return 0
	}
	return pongWait * 9 / 10
}

type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	pongWait     time.Duration

	// gorilla allows one concurrent writer; pings come from the same writer
	// goroutine, Close may come from another.
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if c.pongWait > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
		}
		if mt == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// Close sends a normal closure frame, best effort, then closes the socket.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
