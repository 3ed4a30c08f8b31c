package stream

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "portfolio-copilot/internal/errors"
)

const writeWait = 10 * time.Second

// WebSocketTransport is a Transport over a client websocket connection.
type WebSocketTransport struct {
	url              string
	header           http.Header
	handshakeTimeout time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	writeMu sync.Mutex // gorilla allows one concurrent writer
}

// NewWebSocketTransport creates a transport dialing url.
func NewWebSocketTransport(url string, handshakeTimeout time.Duration, header http.Header) *WebSocketTransport {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &WebSocketTransport{
		url:              url,
		header:           header,
		handshakeTimeout: handshakeTimeout,
	}
}

// Connect dials the websocket, calls h.OnOpen and starts the read loop.
func (t *WebSocketTransport) Connect(ctx context.Context, h TransportHandler) error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: t.handshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		return apperrors.NewTransportError("dial", t.url, errors.Join(apperrors.ErrConnectionFailed, err))
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return apperrors.NewTransportError("dial", t.url, apperrors.ErrSessionClosed)
	}
	t.conn = conn
	t.mu.Unlock()

	h.OnOpen()
	go t.readLoop(conn, h)
	return nil
}

func (t *WebSocketTransport) readLoop(conn *websocket.Conn, h TransportHandler) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.OnClose(nil)
			} else {
				h.OnClose(apperrors.NewTransportError("read", t.url, err))
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		h.OnMessage(data)
	}
}

// Write sends data as a text frame.
func (t *WebSocketTransport) Write(data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return apperrors.NewTransportError("write", t.url, apperrors.ErrConnectionFailed)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return apperrors.NewTransportError("write", t.url, err)
	}
	return nil
}

// Close sends a close frame and closes the connection. Safe to call more
// than once and before Connect.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return nil
	}

	t.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	t.writeMu.Unlock()

	return conn.Close()
}
