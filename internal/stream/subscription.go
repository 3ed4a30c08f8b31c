package stream

import (
	"sync"

	"github.com/rs/zerolog"

	"portfolio-copilot/internal/models"
)

// Sender accepts outbound intents. *Session implements it.
type Sender interface {
	Send(intent Intent) SendResult
}

// SubscriptionManager turns a changing watch-set into the minimal
// subscribe/unsubscribe traffic. It remembers the key and mode of the last
// intent it handed off and skips a subscribe that would repeat it.
type SubscriptionManager struct {
	sender Sender
	logger zerolog.Logger

	mu     sync.Mutex
	active bool
	key    string
	mode   models.Mode
	tokens []uint32
}

// NewSubscriptionManager creates a manager sending through sender.
func NewSubscriptionManager(sender Sender, logger zerolog.Logger) *SubscriptionManager {
	return &SubscriptionManager{
		sender: sender,
		logger: logger,
	}
}

// Subscribe requests tokens in mode. An empty mode means models.DefaultMode.
//
// Nothing is sent when the canonical key and mode equal the last handed-off
// intent, or when tokens is empty and nothing has been subscribed yet. The
// second return value reports whether an intent was handed to the sender.
func (m *SubscriptionManager) Subscribe(tokens []uint32, mode models.Mode) (SendResult, bool) {
	if mode == "" {
		mode = models.DefaultMode
	}
	canonical := Canonical(tokens)
	key := Key(canonical)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active && key == m.key && mode == m.mode {
		return 0, false
	}
	if !m.active && len(canonical) == 0 {
		return 0, false
	}

	res := m.sender.Send(SubscribeIntent(canonical, mode))
	m.active = true
	m.key = key
	m.mode = mode
	m.tokens = canonical

	m.logger.Debug().
		Str("key", key).
		Str("mode", string(mode)).
		Str("result", res.String()).
		Msg("Watch-set changed")
	return res, true
}

// Unsubscribe sends an UNSUBSCRIBE for the last subscribed tokens and forgets
// the watch-set, so the next Subscribe is always sent.
func (m *SubscriptionManager) Unsubscribe() SendResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := m.sender.Send(UnsubscribeIntent(m.tokens))
	m.active = false
	m.key = ""
	m.mode = ""
	m.tokens = nil
	return res
}

// Key returns the canonical key of the current watch-set.
func (m *SubscriptionManager) Key() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.key
}

// Tokens returns a copy of the current watch-set.
func (m *SubscriptionManager) Tokens() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint32, len(m.tokens))
	copy(out, m.tokens)
	return out
}

// Active reports whether a watch-set has been handed off since the last
// Unsubscribe.
func (m *SubscriptionManager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}
