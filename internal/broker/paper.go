package broker

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"sync"
	"time"

	apperrors "portfolio-copilot/internal/errors"
	"portfolio-copilot/internal/models"
	"portfolio-copilot/internal/stream"
)

// DemoHoldings is the portfolio served by the paper broker when none is given.
var DemoHoldings = []models.Holding{
	{InstrumentToken: 408065, TradingSymbol: "INFY", Exchange: models.NSE, Quantity: 25, AveragePrice: 1420.50, LastPrice: 1512.35},
	{InstrumentToken: 2953217, TradingSymbol: "TCS", Exchange: models.NSE, Quantity: 8, AveragePrice: 3655.00, LastPrice: 3590.10},
	{InstrumentToken: 738561, TradingSymbol: "RELIANCE", Exchange: models.NSE, Quantity: 15, AveragePrice: 2480.75, LastPrice: 2933.60},
	{InstrumentToken: 341249, TradingSymbol: "HDFCBANK", Exchange: models.NSE, Quantity: 30, AveragePrice: 1602.20, LastPrice: 1548.90},
	{InstrumentToken: 779521, TradingSymbol: "SBIN", Exchange: models.NSE, Quantity: 60, AveragePrice: 598.40, LastPrice: 811.25},
}

// PaperBroker serves a fixed portfolio and needs no login. It backs the
// "paper" source for demos and offline use.
type PaperBroker struct {
	holdings []models.Holding
	mu       sync.RWMutex
}

// NewPaperBroker creates a paper broker. An empty holdings list uses DemoHoldings.
func NewPaperBroker(holdings []models.Holding) *PaperBroker {
	if len(holdings) == 0 {
		holdings = DemoHoldings
	}
	h := make([]models.Holding, len(holdings))
	copy(h, holdings)
	return &PaperBroker{holdings: h}
}

// LoginURL is empty for paper trading.
func (p *PaperBroker) LoginURL() string { return "" }

// CompleteLogin is a no-op for paper trading.
func (p *PaperBroker) CompleteLogin(ctx context.Context, requestToken string) error { return nil }

// Logout is a no-op for paper trading.
func (p *PaperBroker) Logout(ctx context.Context) error { return nil }

// IsAuthenticated always returns true for paper trading.
func (p *PaperBroker) IsAuthenticated() bool { return true }

// UserID returns the paper account id.
func (p *PaperBroker) UserID() string { return "PAPER" }

// Credentials returns empty credentials.
func (p *PaperBroker) Credentials() (string, string) { return "", "" }

// Holdings returns a copy of the configured portfolio.
func (p *PaperBroker) Holdings(ctx context.Context) ([]models.Holding, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]models.Holding, len(p.holdings))
	copy(out, p.holdings)
	return out, nil
}

// BasePrices returns the fetch-time price per instrument, used to seed a
// PaperTransport.
func (p *PaperBroker) BasePrices() map[uint32]float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[uint32]float64, len(p.holdings))
	for _, h := range p.holdings {
		out[h.InstrumentToken] = h.LastPrice
	}
	return out
}

// PaperTransport is a stream.Transport that emits simulated ticks for the
// subscribed tokens. Prices follow a bounded random walk around their base.
type PaperTransport struct {
	interval time.Duration
	base     map[uint32]float64
	rng      *rand.Rand

	mu         sync.Mutex
	prices     map[uint32]float64
	subscribed map[uint32]models.Mode
	open       bool
	done       chan struct{}
	stopOnce   sync.Once
}

// NewPaperTransport creates a simulated feed. Tokens without a base price
// start at 100.
func NewPaperTransport(base map[uint32]float64, interval time.Duration, seed int64) *PaperTransport {
	if interval <= 0 {
		interval = time.Second
	}
	b := make(map[uint32]float64, len(base))
	for k, v := range base {
		b[k] = v
	}
	return &PaperTransport{
		interval:   interval,
		base:       b,
		rng:        rand.New(rand.NewSource(seed)),
		prices:     make(map[uint32]float64),
		subscribed: make(map[uint32]models.Mode),
		done:       make(chan struct{}),
	}
}

// Connect opens immediately and starts the tick loop.
func (p *PaperTransport) Connect(ctx context.Context, h stream.TransportHandler) error {
	select {
	case <-p.done:
		return apperrors.NewTransportError("dial", "paper", apperrors.ErrSessionClosed)
	default:
	}

	p.mu.Lock()
	p.open = true
	p.mu.Unlock()

	h.OnOpen()
	go p.loop(h)
	return nil
}

func (p *PaperTransport) loop(h stream.TransportHandler) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			h.OnClose(nil)
			return
		case <-ticker.C:
			if frame := p.nextFrame(); frame != nil {
				h.OnMessage(frame)
			}
		}
	}
}

// nextFrame advances every subscribed price one step and encodes a TICKS frame.
func (p *PaperTransport) nextFrame() []byte {
	p.mu.Lock()
	if len(p.subscribed) == 0 {
		p.mu.Unlock()
		return nil
	}

	ticks := make([]models.Tick, 0, len(p.subscribed))
	for token, mode := range p.subscribed {
		base := p.basePrice(token)
		price, ok := p.prices[token]
		if !ok {
			price = base
		}
		// Step up to 0.5% and stay within 10% of base.
		price *= 1 + (p.rng.Float64()-0.5)*0.01
		price = math.Max(base*0.9, math.Min(base*1.1, price))
		price = math.Round(price*20) / 20 // tick size 0.05
		p.prices[token] = price

		tick := models.Tick{InstrumentToken: token, LastPrice: &price}
		if mode != models.ModeLTP {
			tick.OHLC = &models.OHLC{Open: base, High: math.Max(base, price), Low: math.Min(base, price), Close: base}
		}
		ticks = append(ticks, tick)
	}
	p.mu.Unlock()

	frame, err := stream.TicksFrame(ticks)
	if err != nil {
		return nil
	}
	return frame
}

func (p *PaperTransport) basePrice(token uint32) float64 {
	if b, ok := p.base[token]; ok && b > 0 {
		return b
	}
	return 100
}

// Write applies SUBSCRIBE/UNSUBSCRIBE intents to the simulated feed.
func (p *PaperTransport) Write(data []byte) error {
	var intent stream.Intent
	if err := json.Unmarshal(data, &intent); err != nil {
		return apperrors.NewTransportError("write", "paper", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return apperrors.NewTransportError("write", "paper", apperrors.ErrConnectionFailed)
	}

	switch intent.Action {
	case stream.ActionSubscribe:
		for _, t := range intent.Tokens {
			p.subscribed[t] = intent.Mode
		}
	case stream.ActionUnsubscribe:
		for _, t := range intent.Tokens {
			delete(p.subscribed, t)
		}
	}
	return nil
}

// Close stops the feed. Safe to call more than once.
func (p *PaperTransport) Close() error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.open = false
		p.mu.Unlock()
		close(p.done)
	})
	return nil
}

var (
	_ Broker           = (*PaperBroker)(nil)
	_ stream.Transport = (*PaperTransport)(nil)
)
