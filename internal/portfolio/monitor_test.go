package portfolio

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	apperrors "portfolio-copilot/internal/errors"
	"portfolio-copilot/internal/models"
	"portfolio-copilot/internal/stream"
)

type fakeTransport struct {
	mu     sync.Mutex
	h      stream.TransportHandler
	writes []stream.Intent
	closed bool
}

func (f *fakeTransport) Connect(ctx context.Context, h stream.TransportHandler) error {
	f.mu.Lock()
	f.h = h
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Write(data []byte) error {
	var in stream.Intent
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	f.mu.Lock()
	f.writes = append(f.writes, in)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) handler() stream.TransportHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.h
}

func (f *fakeTransport) intents() []stream.Intent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stream.Intent(nil), f.writes...)
}

func staticHoldings(h ...models.Holding) HoldingsFunc {
	return func(ctx context.Context) ([]models.Holding, error) {
		return h, nil
	}
}

func latest(t *testing.T, m *Monitor) Snapshot {
	t.Helper()
	select {
	case s, ok := <-m.Updates():
		if !ok {
			t.Fatal("updates channel closed")
		}
		return s
	case <-time.After(time.Second):
		t.Fatal("no update published")
	}
	return Snapshot{}
}

func TestMonitor_EndToEnd(t *testing.T) {
	ft := &fakeTransport{}
	source := staticHoldings(
		models.Holding{InstrumentToken: 101, TradingSymbol: "INFY", Quantity: 5, AveragePrice: 200, LastPrice: 210},
		models.Holding{InstrumentToken: 102, TradingSymbol: "TCS", Quantity: 10, AveragePrice: 100, LastPrice: 105},
	)
	m := NewMonitor(source, ft, Config{Mode: models.ModeFull}, zerolog.Nop())
	defer m.Close()

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Before open: fallback prices, intent buffered.
	v := m.View()
	if v.Connected {
		t.Error("should not be connected before OnOpen")
	}
	if v.Subscribed {
		t.Error("a buffered intent is not a subscription yet")
	}
	if v.Valuation.Aggregates.TotalLivePnL != 50+50 {
		t.Errorf("TotalLivePnL = %v, want 100 from fetch-time prices", v.Valuation.Aggregates.TotalLivePnL)
	}

	ft.handler().OnOpen()
	intents := ft.intents()
	if len(intents) != 1 || stream.Key(intents[0].Tokens) != "101,102" {
		t.Fatalf("flushed intents = %+v", intents)
	}
	if !m.View().Subscribed {
		t.Error("flushed subscribe should mark the monitor subscribed")
	}

	ft.handler().OnMessage([]byte(`{"type":"TICKS","data":[{"instrument_token":101,"last_price":220,"ohlc":{"close":200}}]}`))

	snap := m.View()
	row := snap.Valuation.Rows[0]
	if row.LTP != 220 || row.LivePnL != 100 {
		t.Errorf("row = ltp %v pnl %v, want 220/100", row.LTP, row.LivePnL)
	}
	if row.DayChangePct == nil || *row.DayChangePct != 10 {
		t.Errorf("DayChangePct = %v, want 10", row.DayChangePct)
	}
	if snap.Valuation.Rows[1].LTP != 105 {
		t.Errorf("row without tick LTP = %v, want 105", snap.Valuation.Rows[1].LTP)
	}
	if len(snap.Events) != 1 {
		t.Errorf("events = %d, want 1", len(snap.Events))
	}

	got := latest(t, m)
	if got.Valuation.Rows[0].LTP != 220 {
		t.Errorf("published LTP = %v, want latest 220", got.Valuation.Rows[0].LTP)
	}
}

func TestMonitor_RefreshDedupesWatchSet(t *testing.T) {
	ft := &fakeTransport{}
	calls := 0
	source := HoldingsFunc(func(ctx context.Context) ([]models.Holding, error) {
		calls++
		// Same instruments, different order on every fetch.
		if calls%2 == 0 {
			return []models.Holding{{InstrumentToken: 2}, {InstrumentToken: 1}}, nil
		}
		return []models.Holding{{InstrumentToken: 1}, {InstrumentToken: 2}}, nil
	})
	m := NewMonitor(source, ft, Config{}, zerolog.Nop())
	defer m.Close()

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	ft.handler().OnOpen()

	for i := 0; i < 3; i++ {
		if err := m.Refresh(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	if n := len(ft.intents()); n != 1 {
		t.Errorf("intents on the wire = %d, want 1", n)
	}
}

func TestMonitor_RefreshError(t *testing.T) {
	boom := errors.New("backend down")
	m := NewMonitor(HoldingsFunc(func(ctx context.Context) ([]models.Holding, error) {
		return nil, boom
	}), &fakeTransport{}, Config{}, zerolog.Nop())
	defer m.Close()

	if err := m.Start(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Start() error = %v, want wrapped %v", err, boom)
	}
	var derr *apperrors.DataError
	if !apperrors.As(m.Start(context.Background()), &derr) {
		t.Error("holdings failures should surface as DataError")
	}
	if m.View().State != stream.StateIdle {
		t.Error("session should not start when holdings fail")
	}
}

func TestMonitor_UnsubscribeClearsEvents(t *testing.T) {
	ft := &fakeTransport{}
	m := NewMonitor(staticHoldings(models.Holding{InstrumentToken: 9, Quantity: 1}), ft, Config{}, zerolog.Nop())
	defer m.Close()

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	ft.handler().OnOpen()
	ft.handler().OnMessage([]byte(`{"type":"CONNECTED"}`))

	if res := m.Unsubscribe(); res != stream.Sent {
		t.Fatalf("Unsubscribe() = %v, want sent", res)
	}

	v := m.View()
	if v.Subscribed {
		t.Error("should not be subscribed")
	}
	if len(v.Events) != 0 {
		t.Errorf("events = %d, want 0 after unsubscribe", len(v.Events))
	}
	intents := ft.intents()
	last := intents[len(intents)-1]
	if last.Action != stream.ActionUnsubscribe || len(last.Tokens) != 1 || last.Tokens[0] != 9 {
		t.Errorf("last intent = %+v", last)
	}
}

func TestMonitor_SetMode(t *testing.T) {
	ft := &fakeTransport{}
	m := NewMonitor(staticHoldings(models.Holding{InstrumentToken: 3}), ft, Config{Mode: models.ModeFull}, zerolog.Nop())
	defer m.Close()

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	ft.handler().OnOpen()

	if res := m.SetMode(models.ModeLTP); res != stream.Sent {
		t.Fatalf("SetMode() = %v, want sent", res)
	}
	intents := ft.intents()
	if intents[len(intents)-1].Mode != models.ModeLTP {
		t.Errorf("mode = %q, want ltp", intents[len(intents)-1].Mode)
	}
}

func TestMonitor_ReconnectUsesFreshSession(t *testing.T) {
	first := &fakeTransport{}
	m := NewMonitor(staticHoldings(models.Holding{InstrumentToken: 4, Quantity: 1, LastPrice: 10}), first, Config{}, zerolog.Nop())
	defer m.Close()

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	first.handler().OnOpen()
	oldID := m.View().SessionID
	first.handler().OnClose(errors.New("network"))

	if m.View().Connected {
		t.Fatal("closed session should report disconnected")
	}

	second := &fakeTransport{}
	if err := m.Reconnect(context.Background(), second); err != nil {
		t.Fatalf("Reconnect() error = %v", err)
	}
	second.handler().OnOpen()

	if !m.View().Connected {
		t.Error("new session should be connected")
	}
	if m.View().SessionID == oldID {
		t.Error("reconnect should create a new session")
	}
	if n := len(second.intents()); n != 1 {
		t.Errorf("new session flushed %d intents, want 1", n)
	}

	// Late frame from the old session is ignored.
	first.handler().OnMessage([]byte(`{"type":"TICKS","data":[{"instrument_token":4,"last_price":99}]}`))
	if m.View().Valuation.Rows[0].LTP != 10 {
		t.Error("late frame from the old session must not affect the view")
	}
}

func TestMonitor_CloseIdempotent(t *testing.T) {
	ft := &fakeTransport{}
	m := NewMonitor(staticHoldings(), ft, Config{}, zerolog.Nop())
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	m.Close()
	m.Close()

	for range m.Updates() {
		// drain until closed
	}
	if err := m.Refresh(context.Background()); err == nil {
		t.Error("Refresh() after Close should fail")
	}
}

func TestMonitor_UpdatesNeverGoBackwards(t *testing.T) {
	ft := &fakeTransport{}
	m := NewMonitor(staticHoldings(models.Holding{InstrumentToken: 101, Quantity: 1}), ft, Config{}, zerolog.Nop())

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	ft.handler().OnOpen()

	type seen struct {
		seq uint64
		ltp float64
	}
	var got []seen
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for snap := range m.Updates() {
			got = append(got, seen{seq: snap.Seq, ltp: snap.Valuation.Rows[0].LTP})
		}
	}()

	const ticks = 500
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= ticks; i++ {
			frame, _ := stream.TicksFrame([]models.Tick{models.NewTick(101, float64(i), 1)})
			ft.handler().OnMessage(frame)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < ticks/5; i++ {
			m.Refresh(context.Background())
		}
	}()
	wg.Wait()

	last := m.View().Valuation.Rows[0].LTP
	m.Close()
	<-drained

	if len(got) == 0 {
		t.Fatal("no snapshots delivered")
	}
	for i := 1; i < len(got); i++ {
		if got[i].seq <= got[i-1].seq {
			t.Fatalf("seq %d delivered after %d", got[i].seq, got[i-1].seq)
		}
		if got[i].ltp < got[i-1].ltp {
			t.Fatalf("LTP went back from %v to %v at seq %d", got[i-1].ltp, got[i].ltp, got[i].seq)
		}
	}
	if last != ticks {
		t.Errorf("final LTP = %v, want %d", last, ticks)
	}
}
