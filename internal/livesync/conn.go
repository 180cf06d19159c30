package livesync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// CloseNormal is the close code of a deliberate shutdown; it never triggers a reconnect.
	CloseNormal = websocket.CloseNormalClosure
	// CloseAbnormal reports a dropped connection without a close frame.
	CloseAbnormal = websocket.CloseAbnormalClosure

	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
)

// CloseError carries the close code observed when a connection ends.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("livesync: connection closed (%d): %s", e.Code, e.Reason)
}

// Conn is one established duplex connection carrying text frames.
type Conn interface {
	// ReadMessage blocks for the next frame. When the connection ends it
	// returns a *CloseError.
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close(code int, reason string) error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	dialer       *websocket.Dialer
	writeTimeout time.Duration
}

// NewWebsocketDialer constructs a dialer with proxy support from the environment.
func NewWebsocketDialer() *WebsocketDialer {
	return &WebsocketDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		},
		writeTimeout: defaultWriteTimeout,
	}
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	conn, response, err := d.dialer.DialContext(ctx, rawURL, nil)
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("livesync: dial: %w", err)
	}
	return &websocketConn{conn: conn, writeTimeout: d.writeTimeout}, nil
}

type websocketConn struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
}

func (c *websocketConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err == nil {
		return data, nil
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return nil, &CloseError{Code: closeErr.Code, Reason: closeErr.Text}
	}
	return nil, &CloseError{Code: CloseAbnormal, Reason: err.Error()}
}

func (c *websocketConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *websocketConn) Close(code int, reason string) error {
	c.writeMu.Lock()
	deadline := time.Now().Add(c.writeTimeout)
	writeErr := c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.writeMu.Unlock()
	closeErr := c.conn.Close()
	if writeErr != nil && !errors.Is(writeErr, websocket.ErrCloseSent) {
		return writeErr
	}
	return closeErr
}
