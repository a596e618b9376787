package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// writeTimeout bounds outbound WebSocket writes when the caller's context
// carries no deadline of its own.
const writeTimeout = 10 * time.Second

// webSocketDialer opens the primary duplex channel.
type webSocketDialer struct {
	url     string
	headers http.Header
}

func newWebSocketDialer(cfg Config) (*webSocketDialer, error) {
	u, err := cfg.streamURL()
	if err != nil {
		return nil, err
	}
	return &webSocketDialer{url: u, headers: headerValues(cfg.Headers)}, nil
}

// Name implements Dialer.
func (d *webSocketDialer) Name() string { return "websocket" }

// Dial implements Dialer.
func (d *webSocketDialer) Dial(ctx context.Context) (Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, d.url, d.headers)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("websocket handshake: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket handshake: %w", err)
	}
	return &webSocketConn{ws: ws}, nil
}

// webSocketConn pumps inbound frames from one WebSocket into a Sink and
// serializes outbound writes, which gorilla requires.
type webSocketConn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

// Start implements Conn.
func (c *webSocketConn) Start(sink Sink) {
	go c.pump(sink)
}

func (c *webSocketConn) pump(sink Sink) {
	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case c.closed.Load():
				sink.HandleClosed(nil)
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				sink.HandleClosed(nil)
			default:
				sink.HandleClosed(fmt.Errorf("read websocket message: %w", err))
			}
			return
		}
		sink.HandleMessage(payload)
	}
}

// Send implements Conn.
func (c *webSocketConn) Send(ctx context.Context, payload []byte) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeTimeout)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write websocket message: %w", err)
	}
	return nil
}

// Close implements Conn.
func (c *webSocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(500*time.Millisecond))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// headerValues converts the flat config map into the http.Header shape dial
// handshakes and HTTP requests expect.
func headerValues(headers map[string]string) http.Header {
	if len(headers) == 0 {
		return nil
	}
	h := make(http.Header, len(headers))
	for k, v := range headers {
		h.Set(k, v)
	}
	return h
}
