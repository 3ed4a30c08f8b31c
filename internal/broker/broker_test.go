package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	kitemodels "github.com/zerodha/gokiteconnect/v4/models"

	apperrors "portfolio-copilot/internal/errors"
	"portfolio-copilot/internal/models"
	"portfolio-copilot/internal/stream"
)

const holdingsBody = `{"status":"success","data":[
 {"tradingsymbol":"INFY","exchange":"NSE","instrument_token":408065,"quantity":5,"average_price":200,"last_price":210},
 {"tradingsymbol":"SBIN","exchange":"BSE","instrument_token":779521,"quantity":10,"average_price":100,"last_price":105}
]}`

func writeSession(t *testing.T, path string, expires time.Time) {
	t.Helper()
	data, _ := json.Marshal(sessionData{AccessToken: "tok", UserID: "AB1234", ExpiresAt: expires})
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
}

func TestKiteBroker_LoadsSavedSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	writeSession(t, path, time.Now().Add(time.Hour))

	kb := NewKiteBroker(KiteConfig{APIKey: "key", TokenPath: path}, zerolog.Nop())
	if !kb.IsAuthenticated() {
		t.Fatal("expected saved session to be loaded")
	}
	key, token := kb.Credentials()
	if key != "key" || token != "tok" {
		t.Errorf("Credentials() = %q, %q", key, token)
	}
	if kb.UserID() != "AB1234" {
		t.Errorf("UserID() = %q, want AB1234", kb.UserID())
	}
}

func TestKiteBroker_IgnoresExpiredSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	writeSession(t, path, time.Now().Add(-time.Minute))

	kb := NewKiteBroker(KiteConfig{APIKey: "key", TokenPath: path}, zerolog.Nop())
	if kb.IsAuthenticated() {
		t.Error("expired session must not authenticate")
	}
	if _, err := kb.Holdings(context.Background()); !apperrors.Is(err, apperrors.ErrNotAuthenticated) {
		t.Errorf("Holdings() error = %v, want ErrNotAuthenticated", err)
	}
}

func TestKiteBroker_Logout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"success","data":true}`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "session.json")
	writeSession(t, path, time.Now().Add(time.Hour))
	kb := NewKiteBroker(KiteConfig{APIKey: "key", TokenPath: path, BaseURI: srv.URL}, zerolog.Nop())

	if err := kb.Logout(context.Background()); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if kb.IsAuthenticated() {
		t.Error("should not be authenticated after logout")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("session file should be removed")
	}
}

func TestKiteBroker_CompleteLoginValidation(t *testing.T) {
	kb := NewKiteBroker(KiteConfig{APIKey: "key", APISecret: "secret"}, zerolog.Nop())
	if err := kb.CompleteLogin(context.Background(), ""); !apperrors.Is(err, apperrors.ErrInputValidation) {
		t.Errorf("CompleteLogin(\"\") error = %v, want validation error", err)
	}

	noSecret := NewKiteBroker(KiteConfig{APIKey: "key"}, zerolog.Nop())
	if err := noSecret.CompleteLogin(context.Background(), "req"); !apperrors.Is(err, apperrors.ErrConfigInvalid) {
		t.Errorf("CompleteLogin() without secret error = %v, want ErrConfigInvalid", err)
	}
}

func TestKiteBroker_Holdings(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path != "/portfolio/holdings" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","error_type":"NetworkException","message":"upstream busy"}`))
			return
		}
		w.Write([]byte(holdingsBody))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "session.json")
	writeSession(t, path, time.Now().Add(time.Hour))
	kb := NewKiteBroker(KiteConfig{APIKey: "key", TokenPath: path, BaseURI: srv.URL, RetryAttempts: 3}, zerolog.Nop())

	holdings, err := kb.Holdings(context.Background())
	if err != nil {
		t.Fatalf("Holdings() error = %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("calls = %d, want 2 (one retry)", calls)
	}
	if len(holdings) != 2 {
		t.Fatalf("len = %d, want 2", len(holdings))
	}
	want := models.Holding{InstrumentToken: 408065, TradingSymbol: "INFY", Exchange: models.NSE, Quantity: 5, AveragePrice: 200, LastPrice: 210}
	if holdings[0] != want {
		t.Errorf("holdings[0] = %+v, want %+v", holdings[0], want)
	}
	if holdings[1].Exchange != models.BSE {
		t.Errorf("exchange = %q, want BSE", holdings[1].Exchange)
	}
}

func TestKiteBroker_HoldingsTokenExpired(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"status":"error","error_type":"TokenException","message":"Incorrect api_key or access_token."}`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "session.json")
	writeSession(t, path, time.Now().Add(time.Hour))
	kb := NewKiteBroker(KiteConfig{APIKey: "key", TokenPath: path, BaseURI: srv.URL, RetryAttempts: 3}, zerolog.Nop())

	_, err := kb.Holdings(context.Background())
	if !apperrors.Is(err, apperrors.ErrSessionExpired) {
		t.Fatalf("Holdings() error = %v, want ErrSessionExpired", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("token errors must not be retried, calls = %d", calls)
	}
	if kb.IsAuthenticated() {
		t.Error("broker should drop the expired session")
	}
}

func TestConvertTick(t *testing.T) {
	kt := kitemodels.Tick{
		Mode:            "full",
		InstrumentToken: 101,
		LastPrice:       220,
		VolumeTraded:    1500,
		OHLC:            kitemodels.OHLC{Open: 205, High: 225, Low: 199, Close: 200},
	}

	tick := convertTick(kt)
	if ltp, ok := tick.LTP(); !ok || ltp != 220 {
		t.Errorf("LTP = %v, want 220", ltp)
	}
	if tick.PrevClose() != 200 {
		t.Errorf("PrevClose = %v, want 200", tick.PrevClose())
	}
	if string(tick.Extra["volume_traded"]) != "1500" {
		t.Errorf("volume_traded = %s", tick.Extra["volume_traded"])
	}

	ltpOnly := convertTick(kitemodels.Tick{Mode: "ltp", InstrumentToken: 5, LastPrice: 10})
	if ltpOnly.OHLC != nil {
		t.Error("ltp mode ticks carry no ohlc")
	}
}

func TestKiteTransport_RequiresToken(t *testing.T) {
	tr := NewKiteTransport(KiteTransportConfig{APIKey: "key"}, zerolog.Nop())
	s := stream.NewSession(tr)

	if err := s.Start(context.Background()); !apperrors.Is(err, apperrors.ErrNotAuthenticated) {
		t.Fatalf("Start() error = %v, want ErrNotAuthenticated", err)
	}
	if s.State() != stream.StateClosed {
		t.Errorf("state = %v, want closed", s.State())
	}

	data, _ := stream.SubscribeIntent([]uint32{1}, models.ModeFull).Encode()
	if err := tr.Write(data); err == nil {
		t.Error("Write() before connect should fail")
	}
}

// tickerServer is a stand-in ticker endpoint. serve runs once per accepted
// websocket; a nil serve rejects the handshake with 403.
type tickerServer struct {
	*httptest.Server
	dials int32
}

func newTickerServer(t *testing.T, serve func(*websocket.Conn)) *tickerServer {
	t.Helper()
	ts := &tickerServer{}
	upgrader := websocket.Upgrader{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&ts.dials, 1)
		if serve == nil {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tickerServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (ts *tickerServer) dialCount() int32 {
	return atomic.LoadInt32(&ts.dials)
}

func serveLoopDone(t *testing.T, tr *KiteTransport) <-chan struct{} {
	t.Helper()
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.done == nil {
		t.Fatal("transport was never connected")
	}
	return tr.done
}

func waitForState(t *testing.T, s *stream.Session, want stream.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for s.State() != want && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.State() != want {
		t.Fatalf("state = %v, want %v", s.State(), want)
	}
}

func waitClosed(t *testing.T, done <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s did not finish", what)
	}
}

func newTestKiteTransport(url string) *KiteTransport {
	return NewKiteTransport(KiteTransportConfig{
		APIKey:         "key",
		AccessToken:    "tok",
		ConnectTimeout: time.Second,
		RootURL:        url,
	}, zerolog.Nop())
}

func TestKiteTransport_DroppedConnectionClosesSession(t *testing.T) {
	srv := newTickerServer(t, func(conn *websocket.Conn) {
		// Take the subscribe, then hang up.
		conn.ReadMessage()
	})
	tr := newTestKiteTransport(srv.wsURL())
	s := stream.NewSession(tr)

	if got := s.Send(stream.SubscribeIntent([]uint32{408065}, models.ModeFull)); got != stream.Buffered {
		t.Fatalf("Send() before start = %v, want buffered", got)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitForState(t, s, stream.StateClosed)
	if s.Err() == nil {
		t.Error("a dropped connection should record an error")
	}
	if s.Connected() {
		t.Error("session still reports connected")
	}

	waitClosed(t, serveLoopDone(t, tr), "ticker serve loop")
	if n := srv.dialCount(); n != 1 {
		t.Errorf("dials = %d, want 1 (no redial after drop)", n)
	}

	data, _ := stream.SubscribeIntent([]uint32{1}, models.ModeLTP).Encode()
	if err := tr.Write(data); err == nil {
		t.Error("Write() after drop should fail")
	}
}

func TestKiteTransport_DialFailureClosesSession(t *testing.T) {
	tests := []struct {
		name string
		url  func(t *testing.T) string
	}{
		{
			name: "handshake rejected",
			url:  func(t *testing.T) string { return newTickerServer(t, nil).wsURL() },
		},
		{
			name: "nothing listening",
			url: func(t *testing.T) string {
				srv := httptest.NewServer(http.NotFoundHandler())
				u := "ws" + strings.TrimPrefix(srv.URL, "http")
				srv.Close()
				return u
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestKiteTransport(tt.url(t))
			s := stream.NewSession(tr)
			s.Send(stream.SubscribeIntent([]uint32{408065}, models.ModeQuote))

			if err := s.Start(context.Background()); err != nil {
				t.Fatalf("Start() error = %v, dial errors arrive asynchronously", err)
			}
			waitForState(t, s, stream.StateClosed)
			var te *apperrors.TransportError
			if !apperrors.As(s.Err(), &te) || te.Op != "dial" {
				t.Errorf("Err() = %v, want dial transport error", s.Err())
			}
			waitClosed(t, serveLoopDone(t, tr), "ticker serve loop")
			if _, ok := s.Pending(); !ok {
				t.Error("intent should stay pending when the dial fails")
			}
		})
	}
}

func TestKiteTransport_CloseStopsTicker(t *testing.T) {
	serverDone := make(chan struct{})
	srv := newTickerServer(t, func(conn *websocket.Conn) {
		defer close(serverDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	tr := newTestKiteTransport(srv.wsURL())
	s := stream.NewSession(tr)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitForState(t, s, stream.StateOpen)
	if got := s.Send(stream.SubscribeIntent([]uint32{408065}, models.ModeLTP)); got != stream.Sent {
		t.Fatalf("Send() while open = %v, want sent", got)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if s.Err() != nil {
		t.Errorf("Err() = %v, want nil after a local close", s.Err())
	}

	waitClosed(t, serverDone, "server connection")
	waitClosed(t, serveLoopDone(t, tr), "ticker serve loop")
	if n := srv.dialCount(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

type recordingHandler struct {
	mu       sync.Mutex
	opened   bool
	messages [][]byte
	closed   chan error
}

func (r *recordingHandler) OnOpen() {
	r.mu.Lock()
	r.opened = true
	r.mu.Unlock()
}

func (r *recordingHandler) OnMessage(data []byte) {
	r.mu.Lock()
	r.messages = append(r.messages, data)
	r.mu.Unlock()
}

func (r *recordingHandler) OnClose(err error) { r.closed <- err }

func (r *recordingHandler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func TestPaperTransport_EmitsSubscribedTicks(t *testing.T) {
	pb := NewPaperBroker(nil)
	tr := NewPaperTransport(pb.BasePrices(), 5*time.Millisecond, 1)
	h := &recordingHandler{closed: make(chan error, 1)}

	if err := tr.Connect(context.Background(), h); err != nil {
		t.Fatal(err)
	}
	if !h.opened {
		t.Fatal("paper transport should open on connect")
	}

	time.Sleep(20 * time.Millisecond)
	if h.count() != 0 {
		t.Error("no ticks expected before subscribe")
	}

	data, _ := stream.SubscribeIntent([]uint32{408065}, models.ModeFull).Encode()
	if err := tr.Write(data); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.count() == 0 {
		t.Fatal("no tick frames emitted")
	}

	h.mu.Lock()
	frame, ok := stream.ParseFrame(h.messages[0])
	h.mu.Unlock()
	if !ok || !frame.IsTickBatch() || len(frame.Ticks) != 1 {
		t.Fatalf("unexpected frame %+v", frame)
	}
	tick := frame.Ticks[0]
	ltp, _ := tick.LTP()
	if tick.InstrumentToken != 408065 || ltp < 1512.35*0.9 || ltp > 1512.35*1.1 {
		t.Errorf("tick = %d @ %v", tick.InstrumentToken, ltp)
	}
	if tick.PrevClose() != 1512.35 {
		t.Errorf("PrevClose = %v, want base price", tick.PrevClose())
	}

	tr.Close()
	tr.Close()
	select {
	case err := <-h.closed:
		if err != nil {
			t.Errorf("OnClose(%v), want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("OnClose not called")
	}
}

func TestPaperBroker_Holdings(t *testing.T) {
	pb := NewPaperBroker(nil)
	h, err := pb.Holdings(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(h) != len(DemoHoldings) {
		t.Fatalf("len = %d", len(h))
	}
	h[0].Quantity = 0
	again, _ := pb.Holdings(context.Background())
	if again[0].Quantity == 0 {
		t.Error("Holdings should return a copy")
	}
	if !pb.IsAuthenticated() {
		t.Error("paper broker is always authenticated")
	}
	if err := pb.CompleteLogin(context.Background(), "x"); err != nil {
		t.Error(err)
	}
	if key, token := pb.Credentials(); key != "" || token != "" {
		t.Errorf("Credentials() = %q, %q, want empty", key, token)
	}
}
