// Package portfolio ties the holdings collaborator, the stream session and the
// valuation engine into one live portfolio view.
package portfolio

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "portfolio-copilot/internal/errors"
	"portfolio-copilot/internal/logging"
	"portfolio-copilot/internal/models"
	"portfolio-copilot/internal/stream"
	"portfolio-copilot/internal/valuation"
)

// HoldingsSource returns the current holdings. It is read once per refresh.
type HoldingsSource interface {
	Holdings(ctx context.Context) ([]models.Holding, error)
}

// HoldingsFunc adapts a function to HoldingsSource.
type HoldingsFunc func(ctx context.Context) ([]models.Holding, error)

// Holdings calls f.
func (f HoldingsFunc) Holdings(ctx context.Context) ([]models.Holding, error) {
	return f(ctx)
}

// Snapshot is the consumer-facing read model.
type Snapshot struct {
	Valuation  valuation.Valuation
	State      stream.State
	Connected  bool
	Subscribed bool
	SessionID  string
	Events     []stream.Event
	HoldingsAt time.Time
	At         time.Time
	// Seq numbers snapshots sent on Updates in delivery order. View
	// leaves it zero.
	Seq uint64
}

// Config configures a Monitor.
type Config struct {
	Mode         models.Mode
	EventLogSize int
}

// Monitor owns the live session for one consumer and recomputes the
// valuation after every tick batch and every holdings refresh.
type Monitor struct {
	source HoldingsSource
	cfg    Config
	logger zerolog.Logger

	mu         sync.RWMutex
	session    *stream.Session
	subs       *stream.SubscriptionManager
	holdings   []models.Holding
	holdingsAt time.Time
	mode       models.Mode
	closed     bool
	updates    chan Snapshot
	seq        uint64

	publishMu sync.Mutex // Computes and enqueues one snapshot at a time
}

// NewMonitor creates a monitor with an Idle session over transport.
func NewMonitor(source HoldingsSource, transport stream.Transport, cfg Config, logger zerolog.Logger) *Monitor {
	if cfg.Mode == "" {
		cfg.Mode = models.DefaultMode
	}
	if cfg.EventLogSize == 0 {
		cfg.EventLogSize = stream.DefaultEventLogSize
	}
	m := &Monitor{
		source:  source,
		cfg:     cfg,
		logger:  logging.WithComponent(logger, "monitor"),
		mode:    cfg.Mode,
		updates: make(chan Snapshot, 1),
	}
	m.session, m.subs = m.newSession(transport)
	return m
}

func (m *Monitor) newSession(transport stream.Transport) (*stream.Session, *stream.SubscriptionManager) {
	var s *stream.Session
	s = stream.NewSession(transport,
		stream.WithLogger(m.logger),
		stream.WithEventLog(stream.NewEventLog(m.cfg.EventLogSize)),
		stream.WithOnChange(func(c stream.Change) {
			m.onSessionChange(s, c)
		}),
	)
	return s, stream.NewSubscriptionManager(s, m.logger)
}

// Start refreshes holdings, which buffers the first subscribe intent, and
// then opens the session.
func (m *Monitor) Start(ctx context.Context) error {
	if err := m.Refresh(ctx); err != nil {
		return err
	}

	m.mu.RLock()
	s := m.session
	m.mu.RUnlock()

	return s.Start(ctx)
}

// Refresh re-reads holdings, updates the watch-set and recomputes.
func (m *Monitor) Refresh(ctx context.Context) error {
	holdings, err := m.source.Holdings(ctx)
	if err != nil {
		return apperrors.NewDataError("holdings", "source", "fetch failed", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return apperrors.ErrSessionClosed
	}
	m.holdings = holdings
	m.holdingsAt = time.Now()
	subs, mode := m.subs, m.mode
	m.mu.Unlock()

	subs.Subscribe(models.Tokens(holdings), mode)

	m.logger.Info().Int("holdings", len(holdings)).Msg("Holdings refreshed")
	m.publish()
	return nil
}

// SetMode changes the subscription mode for the current watch-set.
func (m *Monitor) SetMode(mode models.Mode) stream.SendResult {
	m.mu.Lock()
	m.mode = mode
	subs, tokens := m.subs, models.Tokens(m.holdings)
	m.mu.Unlock()

	res, _ := subs.Subscribe(tokens, mode)
	return res
}

// Unsubscribe stops the watch-set and clears the event log.
func (m *Monitor) Unsubscribe() stream.SendResult {
	m.mu.RLock()
	s, subs := m.session, m.subs
	m.mu.RUnlock()

	res := subs.Unsubscribe()
	s.Events().Clear()
	m.publish()
	return res
}

// Reconnect replaces a session with a new one over transport, re-subscribes
// the current holdings and starts it. The old session is closed first.
func (m *Monitor) Reconnect(ctx context.Context, transport stream.Transport) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return apperrors.ErrSessionClosed
	}
	old := m.session
	m.session, m.subs = m.newSession(transport)
	s, subs := m.session, m.subs
	tokens, mode := models.Tokens(m.holdings), m.mode
	m.mu.Unlock()

	old.Close()
	subs.Subscribe(tokens, mode)

	m.logger.Info().Str("old", old.ID()).Str("new", s.ID()).Msg("Reconnecting stream")
	return s.Start(ctx)
}

// View computes the snapshot from the latest holdings and ticks.
func (m *Monitor) View() Snapshot {
	m.mu.RLock()
	s := m.session
	holdings := m.holdings
	holdingsAt := m.holdingsAt
	m.mu.RUnlock()

	return Snapshot{
		Valuation:  valuation.Compute(holdings, s.Store().Snapshot()),
		State:      s.State(),
		Connected:  s.Connected(),
		Subscribed: s.Subscribed(),
		SessionID:  s.ID(),
		Events:     s.Events().Recent(),
		HoldingsAt: holdingsAt,
		At:         time.Now(),
	}
}

// Updates delivers a fresh snapshot after every change. Only the latest
// snapshot is kept for a slow reader. The channel is closed by Close.
func (m *Monitor) Updates() <-chan Snapshot {
	return m.updates
}

// Close closes the session and the updates channel. Safe to call more than once.
func (m *Monitor) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	s := m.session
	m.mu.Unlock()

	err := s.Close()

	m.mu.Lock()
	m.closed = true
	close(m.updates)
	m.mu.Unlock()
	return err
}

func (m *Monitor) onSessionChange(s *stream.Session, c stream.Change) {
	m.mu.RLock()
	current := m.session == s
	m.mu.RUnlock()
	if !current {
		return
	}
	if c == stream.ChangeEvents {
		return
	}
	m.publish()
}

func (m *Monitor) publish() {
	m.publishMu.Lock()
	defer m.publishMu.Unlock()

	snap := m.View()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.seq++
	snap.Seq = m.seq
	// Keep only the newest snapshot.
	select {
	case <-m.updates:
	default:
	}
	m.updates <- snap
}
