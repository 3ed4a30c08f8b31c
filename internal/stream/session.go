package stream

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apperrors "portfolio-copilot/internal/errors"
	"portfolio-copilot/internal/logging"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SendResult is the outcome of handing an intent to a Session.
type SendResult int

const (
	// Sent means the intent was written to an open transport.
	Sent SendResult = iota + 1
	// Buffered means the intent is held as the pending intent.
	Buffered
)

func (r SendResult) String() string {
	switch r {
	case Sent:
		return "sent"
	case Buffered:
		return "buffered"
	default:
		return "none"
	}
}

// Change identifies what a session reaction changed.
type Change int

const (
	ChangeState Change = iota + 1
	ChangeTicks
	ChangeSubscription
	ChangeEvents
)

// Transport is a bidirectional message channel owned by one Session.
//
// Connect starts the connection and reports progress through h: OnOpen once
// the handshake succeeds, OnMessage per inbound text frame, OnClose once when
// the connection ends. Connect may return before or after OnOpen is called.
type Transport interface {
	Connect(ctx context.Context, h TransportHandler) error
	Write(data []byte) error
	Close() error
}

// TransportHandler receives transport callbacks. Session implements it.
type TransportHandler interface {
	OnOpen()
	OnMessage(data []byte)
	OnClose(err error)
}

// Session owns one logical streaming connection and its lifecycle.
//
// All reactions (open, inbound frame, close, send) are serialized. Change
// callbacks run after the reaction has completed, on the goroutine that
// caused it, and may call back into the session.
type Session struct {
	id        string
	transport Transport
	store     *TickStore
	events    *EventLog
	logger    zerolog.Logger
	onChange  func(Change)

	mu         sync.Mutex
	state      State
	pending    *Intent
	subscribed bool
	err        error
	closeOnce  sync.Once
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithTickStore sets the store inbound ticks are applied to.
func WithTickStore(store *TickStore) Option {
	return func(s *Session) { s.store = store }
}

// WithEventLog sets the raw frame log.
func WithEventLog(log *EventLog) Option {
	return func(s *Session) { s.events = log }
}

// WithOnChange registers a callback invoked after every reaction that
// changed session state, ticks, subscription or events.
func WithOnChange(fn func(Change)) Option {
	return func(s *Session) { s.onChange = fn }
}

// WithID overrides the generated session ID.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// NewSession creates an Idle session over transport.
func NewSession(transport Transport, opts ...Option) *Session {
	s := &Session{
		id:        uuid.NewString(),
		transport: transport,
		logger:    zerolog.Nop(),
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = NewTickStore()
	}
	if s.events == nil {
		s.events = NewEventLog(DefaultEventLogSize)
	}
	s.logger = logging.WithSession(s.logger, s.id)
	return s
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// Store returns the tick store the session writes to.
func (s *Session) Store() *TickStore { return s.store }

// Events returns the raw frame log.
func (s *Session) Events() *EventLog { return s.events }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the session is Open.
func (s *Session) Connected() bool {
	return s.State() == StateOpen
}

// Subscribed reports whether the last intent written to the transport was a
// SUBSCRIBE. It is false while an intent is only buffered and after close.
func (s *Session) Subscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed
}

// Pending returns the buffered intent, if any.
func (s *Session) Pending() (Intent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return Intent{}, false
	}
	return *s.pending, true
}

// Err returns the error that closed the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Start moves the session from Idle to Connecting and opens the transport.
// A connect failure closes the session and is returned. Starting a session
// that is not Idle is a no-op, except for a Closed session which returns
// ErrSessionClosed.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return apperrors.ErrSessionClosed
	case StateIdle:
	default:
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.mu.Unlock()

	logging.LogStateChange(s.logger, StateIdle.String(), StateConnecting.String(), nil)
	s.notify(ChangeState)

	if err := s.transport.Connect(ctx, s); err != nil {
		s.shutdown(err)
		return err
	}
	return nil
}

// Send transmits intent if the session is Open. Otherwise the intent replaces
// any pending intent and Buffered is returned. A failed write closes the
// session and leaves the intent pending.
func (s *Session) Send(intent Intent) SendResult {
	s.mu.Lock()
	if s.state != StateOpen {
		p := intent
		s.pending = &p
		state := s.state
		s.mu.Unlock()

		logging.LogIntent(s.logger, string(intent.Action), string(intent.Mode), Buffered.String(), intent.Tokens)
		s.logger.Debug().Str("state", state.String()).Msg("Intent buffered until open")
		s.notify(ChangeSubscription)
		return Buffered
	}

	if err := s.write(intent); err != nil {
		p := intent
		s.pending = &p
		prev := s.closeLocked(err)
		s.mu.Unlock()

		s.afterClose(prev, err)
		s.notify(ChangeSubscription)
		return Buffered
	}
	s.subscribed = intent.Action == ActionSubscribe
	s.mu.Unlock()

	logging.LogIntent(s.logger, string(intent.Action), string(intent.Mode), Sent.String(), intent.Tokens)
	s.notify(ChangeSubscription)
	return Sent
}

// OnOpen moves a Connecting session to Open and flushes the pending intent.
func (s *Session) OnOpen() {
	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	s.state = StateOpen

	var flushed *Intent
	if s.pending != nil {
		if err := s.write(*s.pending); err != nil {
			prev := s.closeLocked(err)
			s.mu.Unlock()
			s.afterClose(prev, err)
			return
		}
		flushed = s.pending
		s.pending = nil
		s.subscribed = flushed.Action == ActionSubscribe
	}
	s.mu.Unlock()

	logging.LogStateChange(s.logger, StateConnecting.String(), StateOpen.String(), nil)
	if flushed != nil {
		logging.LogIntent(s.logger, string(flushed.Action), string(flushed.Mode), "flushed", flushed.Tokens)
	}
	s.notify(ChangeState)
}

// OnMessage handles one inbound text frame. TICKS frames with an array
// payload are applied to the tick store. Every other frame is recorded in
// the event log and otherwise ignored. Frames arriving after the session is
// Closed are dropped.
func (s *Session) OnMessage(data []byte) {
	frame, ok := ParseFrame(data)

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	if !ok {
		s.mu.Unlock()
		s.logger.Debug().Int("bytes", len(data)).Msg("Dropped malformed frame")
		return
	}

	raw := make([]byte, len(frame.Raw))
	copy(raw, frame.Raw)
	s.events.Add(Event{Type: frame.Type, Raw: raw, ReceivedAt: time.Now()})

	applied := 0
	switch {
	case frame.IsTickBatch():
		applied = s.store.ApplyBatch(frame.Ticks)
	default:
		// Not interpreted here.
	}
	s.mu.Unlock()

	s.notify(ChangeEvents)
	if applied > 0 {
		s.notify(ChangeTicks)
	}
}

// OnClose moves the session to Closed when the transport ends.
func (s *Session) OnClose(err error) {
	s.shutdown(err)
}

// Close tears the session down. It is safe to call more than once and on a
// session that is already Closed.
func (s *Session) Close() error {
	s.shutdown(nil)
	return nil
}

func (s *Session) shutdown(err error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		s.releaseTransport()
		return
	}
	prev := s.closeLocked(err)
	s.mu.Unlock()

	s.afterClose(prev, err)
}

// closeLocked marks the session Closed. Callers hold s.mu and must call
// afterClose once the lock is released.
func (s *Session) closeLocked(err error) State {
	prev := s.state
	s.state = StateClosed
	s.subscribed = false
	if err != nil && s.err == nil {
		s.err = err
	}
	return prev
}

func (s *Session) afterClose(prev State, err error) {
	s.releaseTransport()
	logging.LogStateChange(s.logger, prev.String(), StateClosed.String(), err)
	s.notify(ChangeState)
}

func (s *Session) releaseTransport() {
	s.closeOnce.Do(func() {
		if err := s.transport.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("Transport close failed")
		}
	})
}

// write encodes and writes an intent. Callers hold s.mu.
func (s *Session) write(intent Intent) error {
	data, err := intent.Encode()
	if err != nil {
		return err
	}
	return s.transport.Write(data)
}

func (s *Session) notify(c Change) {
	if s.onChange != nil {
		s.onChange(c)
	}
}
