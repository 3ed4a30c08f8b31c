package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	apperrors "portfolio-copilot/internal/errors"
	"portfolio-copilot/internal/logging"
	"portfolio-copilot/internal/models"
	"portfolio-copilot/internal/stream"
)

// KiteTransport is a stream.Transport over the Kite ticker websocket.
//
// Outbound SUBSCRIBE/UNSUBSCRIBE frames become ticker subscribe, set-mode and
// unsubscribe calls. Each tick from Kite is delivered as a one-tick TICKS
// frame. The ticker gets no reconnect budget: a failed dial or a dropped
// connection stops its serve loop and closes the owning session.
type KiteTransport struct {
	apiKey      string
	accessToken string
	rootURL     string
	timeout     time.Duration
	logger      zerolog.Logger

	mu        sync.Mutex
	ticker    *kiteticker.Ticker
	conn      *websocket.Conn
	cancel    context.CancelFunc
	done      chan struct{}
	connected bool
	opened    bool
	closed    bool
	lastErr   error
	reported  bool
	handler   stream.TransportHandler
	writeMu   sync.Mutex // Protects websocket writes (Subscribe, SetMode)
}

// KiteTransportConfig holds configuration for the Kite transport.
type KiteTransportConfig struct {
	APIKey         string
	AccessToken    string
	ConnectTimeout time.Duration
	// RootURL overrides the ticker endpoint, e.g. ws://127.0.0.1:9000.
	RootURL string
}

// NewKiteTransport creates a transport for one session.
func NewKiteTransport(cfg KiteTransportConfig, logger zerolog.Logger) *KiteTransport {
	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &KiteTransport{
		apiKey:      cfg.APIKey,
		accessToken: cfg.AccessToken,
		rootURL:     cfg.RootURL,
		timeout:     timeout,
		logger:      logging.WithComponent(logger, "kite-ticker"),
	}
}

// Connect starts the ticker. The handshake completes asynchronously.
func (t *KiteTransport) Connect(ctx context.Context, h stream.TransportHandler) error {
	if t.accessToken == "" {
		return apperrors.NewTransportError("dial", "kite", apperrors.ErrNotAuthenticated)
	}
	if err := ctx.Err(); err != nil {
		return apperrors.NewTransportError("dial", "kite", err)
	}

	kt := kiteticker.New(t.apiKey, t.accessToken)
	if t.rootURL != "" {
		u, err := url.Parse(t.rootURL)
		if err != nil {
			return apperrors.NewTransportError("dial", "kite", fmt.Errorf("root url: %w", err))
		}
		kt.SetRootURL(*u)
	}
	// Zero retries: the serve loop returns after the first failed dial or
	// the first lost connection instead of redialing.
	kt.SetAutoReconnect(true)
	kt.SetReconnectMaxRetries(0)
	kt.SetConnectTimeout(t.timeout)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return apperrors.NewTransportError("dial", "kite", apperrors.ErrSessionClosed)
	}
	if t.ticker != nil {
		t.mu.Unlock()
		return apperrors.NewTransportError("dial", "kite", fmt.Errorf("already connected"))
	}
	serveCtx, cancel := context.WithCancel(context.Background())
	t.ticker = kt
	t.cancel = cancel
	t.done = make(chan struct{})
	t.handler = h
	done := t.done
	t.mu.Unlock()

	kt.OnConnect(func() {
		t.mu.Lock()
		if t.closed || kt.Conn == nil {
			t.mu.Unlock()
			if kt.Conn != nil {
				kt.Conn.Close()
			}
			return
		}
		t.conn = kt.Conn
		t.connected = true
		t.opened = true
		t.mu.Unlock()
		h.OnOpen()
	})

	kt.OnError(func(err error) {
		t.logger.Warn().Err(err).Msg("Ticker error")
		t.mu.Lock()
		t.lastErr = err
		wasConnected := t.connected
		t.mu.Unlock()
		// Dial errors are reported once the serve loop gives up. A frame
		// that fails to parse is dropped and leaves the connection up.
		if wasConnected && !strings.HasPrefix(err.Error(), "Error parsing data") {
			t.stop(err)
		}
	})

	kt.OnClose(func(code int, reason string) {
		t.logger.Debug().Int("code", code).Str("reason", reason).Msg("Ticker closed")
		t.stop(fmt.Errorf("closed by server: %d %s", code, reason))
	})

	kt.OnNoReconnect(func(attempt int) {
		t.logger.Debug().Int("attempt", attempt).Msg("Ticker gave up")
	})

	kt.OnTick(func(tick kitemodels.Tick) {
		frame, err := stream.TicksFrame([]models.Tick{convertTick(tick)})
		if err != nil {
			return
		}
		h.OnMessage(frame)
	})

	go func() {
		defer close(done)
		kt.ServeWithContext(serveCtx)

		t.mu.Lock()
		err := t.lastErr
		t.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("ticker connection ended")
		}
		t.stop(err)
	}()

	return nil
}

// stop cancels the serve loop, drops the connection and reports OnClose to
// the handler at most once. After Close the report carries a nil error.
func (t *KiteTransport) stop(cause error) {
	t.mu.Lock()
	t.connected = false
	cancel, conn, h, closed := t.cancel, t.conn, t.handler, t.closed
	t.conn = nil
	op := "read"
	if !t.opened {
		op = "dial"
	}
	report := h != nil && !t.reported
	t.reported = true
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if !report {
		return
	}
	if closed {
		// The owner may be closing from inside its own callbacks.
		go h.OnClose(nil)
		return
	}
	h.OnClose(apperrors.NewTransportError(op, "kite", cause))
}

// Write applies an encoded intent to the ticker.
func (t *KiteTransport) Write(data []byte) error {
	var intent stream.Intent
	if err := json.Unmarshal(data, &intent); err != nil {
		return apperrors.NewTransportError("write", "kite", err)
	}

	t.mu.Lock()
	kt, connected := t.ticker, t.connected
	t.mu.Unlock()
	if kt == nil || !connected {
		return apperrors.NewTransportError("write", "kite", apperrors.ErrConnectionFailed)
	}

	// Lock for websocket writes
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	switch intent.Action {
	case stream.ActionSubscribe:
		if len(intent.Tokens) == 0 {
			return nil
		}
		if err := kt.Subscribe(intent.Tokens); err != nil {
			return apperrors.NewTransportError("write", "kite", fmt.Errorf("subscribe: %w", err))
		}
		if err := kt.SetMode(kiteMode(intent.Mode), intent.Tokens); err != nil {
			return apperrors.NewTransportError("write", "kite", fmt.Errorf("set mode: %w", err))
		}
	case stream.ActionUnsubscribe:
		if len(intent.Tokens) == 0 {
			return nil
		}
		if err := kt.Unsubscribe(intent.Tokens); err != nil {
			return apperrors.NewTransportError("write", "kite", fmt.Errorf("unsubscribe: %w", err))
		}
	default:
		return apperrors.NewTransportError("write", "kite", fmt.Errorf("unknown action %q", intent.Action))
	}
	return nil
}

// Close stops the ticker. Safe to call more than once.
func (t *KiteTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	var err error
	if conn != nil {
		t.writeMu.Lock()
		err = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
	}
	t.stop(nil)
	return err
}

func kiteMode(m models.Mode) kiteticker.Mode {
	switch m {
	case models.ModeLTP:
		return kiteticker.ModeLTP
	case models.ModeQuote:
		return kiteticker.ModeQuote
	default:
		return kiteticker.ModeFull
	}
}

var _ stream.Transport = (*KiteTransport)(nil)
