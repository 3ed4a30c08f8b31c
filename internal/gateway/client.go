package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"portfolio-copilot/internal/logging"
	"portfolio-copilot/internal/stream"
)

const sendBufferSize = 256

// Client relays one downstream websocket to its own upstream session.
type Client struct {
	id             string
	conn           net.Conn
	session        *stream.Session
	send           chan []byte
	done           chan struct{}
	closeOnce      sync.Once
	writeMu        sync.Mutex
	logger         zerolog.Logger
	maxMessageSize int64
	onClose        func(*Client)

	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
}

func newClient(conn net.Conn, upstream stream.Transport, maxMessageSize int64, logger zerolog.Logger, onClose func(*Client)) *Client {
	id := uuid.NewString()
	c := &Client{
		id:             id,
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		done:           make(chan struct{}),
		logger:         logging.WithClient(logger, id),
		maxMessageSize: maxMessageSize,
		onClose:        onClose,
		writeWait:      5 * time.Second,
		pongWait:       60 * time.Second,
		pingPeriod:     50 * time.Second,
	}
	c.session = stream.NewSession(&relayTransport{Transport: upstream, c: c},
		stream.WithLogger(c.logger),
		stream.WithEventLog(stream.NewEventLog(0)),
		stream.WithID(id),
	)
	return c
}

// ID returns the client id.
func (c *Client) ID() string { return c.id }

// Start launches the pumps and opens the upstream session.
func (c *Client) Start(ctx context.Context) {
	go c.writePump()
	go c.readPump()

	if err := c.session.Start(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Upstream connect failed")
		c.sendFrame(errorFrame(err.Error()))
		c.Close()
	}
}

// Close tears down the upstream session and the downstream connection.
// Queued frames are flushed before the close frame is written.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		if c.onClose != nil {
			c.onClose(c)
		}
		close(c.done)
		c.session.Close()
	})
}

func (c *Client) sendFrame(f interface{}) {
	b, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.sendBytes(b)
}

func (c *Client) sendBytes(b []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- b:
	default:
		// Drop message if buffer full
		c.logger.Warn().Int("bytes", len(b)).Msg("Send buffer full, dropping frame")
	}
}

func (c *Client) readPump() {
	defer func() {
		c.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))

	for {
		header, err := ws.ReadHeader(c.conn)
		if err != nil {
			return
		}

		if header.Length > c.maxMessageSize {
			c.logger.Warn().Int64("size", header.Length).Msg("Message too big")
			return
		}

		if !header.Fin {
			c.logger.Warn().Msg("Fragmented message not supported")
			return
		}

		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			return
		}

		if header.Masked {
			ws.Cipher(payload, header.Mask, 0)
		}

		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))

		switch header.OpCode {
		case ws.OpClose:
			return
		case ws.OpPing:
			c.write(ws.OpPong, payload)
		case ws.OpText:
			c.handleText(payload)
		}
	}
}

func (c *Client) handleText(payload []byte) {
	intent, reason, ok := decodeIntent(payload)
	if !ok {
		c.sendFrame(errorFrame(reason))
		return
	}

	c.session.Send(intent)

	switch intent.Action {
	case stream.ActionSubscribe:
		c.sendFrame(subscribedFrame(intent))
	case stream.ActionUnsubscribe:
		c.sendFrame(unsubscribedFrame(intent))
	}
}

func (c *Client) write(op ws.OpCode, msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	return wsutil.WriteServerMessage(c.conn, op, msg)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(ws.OpText, msg); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			if err := c.write(ws.OpPing, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.flush()
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			c.conn.Write(ws.CompiledClose)
			c.writeMu.Unlock()
			return
		}
	}
}

func (c *Client) flush() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(ws.OpText, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

// relayTransport wraps the upstream transport so every upstream event is
// mirrored to the downstream client as well as applied to the session.
type relayTransport struct {
	stream.Transport
	c *Client
}

func (r *relayTransport) Connect(ctx context.Context, h stream.TransportHandler) error {
	return r.Transport.Connect(ctx, &relayHandler{next: h, c: r.c})
}

type relayHandler struct {
	next stream.TransportHandler
	c    *Client
}

func (h *relayHandler) OnOpen() {
	// CONNECTED goes out before any buffered intent is flushed upstream.
	h.c.sendFrame(connectedFrame())
	h.next.OnOpen()
}

func (h *relayHandler) OnMessage(data []byte) {
	h.next.OnMessage(data)

	frame, ok := stream.ParseFrame(data)
	if !ok {
		return
	}
	if frame.Type == stream.FrameTicks {
		h.c.sendBytes(data)
	}
}

func (h *relayHandler) OnClose(err error) {
	h.next.OnClose(err)

	if err != nil {
		h.c.sendFrame(errorFrame(err.Error()))
		h.c.sendFrame(closedFrame(int(ws.StatusAbnormalClosure), err.Error()))
	} else {
		h.c.sendFrame(closedFrame(int(ws.StatusNormalClosure), "upstream closed"))
	}
	h.c.Close()
}
