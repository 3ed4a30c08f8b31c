package stream

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"portfolio-copilot/internal/models"
)

type recordingSender struct {
	intents []Intent
	result  SendResult
}

func (r *recordingSender) Send(intent Intent) SendResult {
	r.intents = append(r.intents, intent)
	if r.result == 0 {
		return Sent
	}
	return r.result
}

func TestSubscriptionManager_SkipsUnchangedKey(t *testing.T) {
	rs := &recordingSender{}
	m := NewSubscriptionManager(rs, zerolog.Nop())

	if _, sent := m.Subscribe([]uint32{3, 1, 2}, models.ModeFull); !sent {
		t.Fatal("first subscribe should be sent")
	}
	if _, sent := m.Subscribe([]uint32{2, 3, 1}, models.ModeFull); sent {
		t.Error("same set in a different order should not be sent again")
	}
	if _, sent := m.Subscribe([]uint32{1, 1, 2, 3}, models.ModeFull); sent {
		t.Error("duplicates should not change the key")
	}
	if len(rs.intents) != 1 {
		t.Fatalf("sent %d intents, want 1", len(rs.intents))
	}
	got := rs.intents[0].Tokens
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("tokens = %v, want canonical [1 2 3]", got)
	}
	if m.Key() != "1,2,3" {
		t.Errorf("Key() = %q, want 1,2,3", m.Key())
	}
}

func TestSubscriptionManager_ModeChangeResends(t *testing.T) {
	rs := &recordingSender{}
	m := NewSubscriptionManager(rs, zerolog.Nop())

	m.Subscribe([]uint32{1}, models.ModeFull)
	if _, sent := m.Subscribe([]uint32{1}, models.ModeLTP); !sent {
		t.Error("a mode change should be sent")
	}
	if _, sent := m.Subscribe([]uint32{1}, ""); !sent {
		t.Error("empty mode means full, which differs from ltp")
	}
	if rs.intents[2].Mode != models.ModeFull {
		t.Errorf("mode = %q, want full", rs.intents[2].Mode)
	}
}

func TestSubscriptionManager_EmptySet(t *testing.T) {
	rs := &recordingSender{}
	m := NewSubscriptionManager(rs, zerolog.Nop())

	if _, sent := m.Subscribe(nil, models.ModeFull); sent {
		t.Error("empty set before any subscription should be a no-op")
	}

	m.Subscribe([]uint32{5, 6}, models.ModeFull)

	// Shrinking to empty carries an empty set; it does not unsubscribe.
	if _, sent := m.Subscribe([]uint32{}, models.ModeFull); !sent {
		t.Fatal("shrinking to empty should send an empty subscribe")
	}
	last := rs.intents[len(rs.intents)-1]
	if last.Action != ActionSubscribe || len(last.Tokens) != 0 {
		t.Errorf("last intent = %+v, want empty SUBSCRIBE", last)
	}
}

func TestSubscriptionManager_Unsubscribe(t *testing.T) {
	rs := &recordingSender{}
	m := NewSubscriptionManager(rs, zerolog.Nop())

	m.Subscribe([]uint32{8, 4}, models.ModeQuote)
	m.Unsubscribe()

	last := rs.intents[len(rs.intents)-1]
	if last.Action != ActionUnsubscribe {
		t.Fatalf("action = %v, want UNSUBSCRIBE", last.Action)
	}
	if len(last.Tokens) != 2 || last.Tokens[0] != 4 || last.Tokens[1] != 8 {
		t.Errorf("tokens = %v, want [4 8]", last.Tokens)
	}
	if m.Active() || m.Key() != "" {
		t.Error("manager should forget the watch-set")
	}

	if _, sent := m.Subscribe([]uint32{4, 8}, models.ModeQuote); !sent {
		t.Error("subscribe after unsubscribe should be sent again")
	}
}

func TestSubscriptionManager_ReplacesPendingBeforeOpen(t *testing.T) {
	ft := &fakeTransport{}
	s := startSession(t, ft)
	m := NewSubscriptionManager(s, zerolog.Nop())

	if res, _ := m.Subscribe([]uint32{1, 2}, models.ModeFull); res != Buffered {
		t.Fatalf("result = %v, want buffered", res)
	}
	if res, _ := m.Subscribe([]uint32{1, 2, 3}, models.ModeFull); res != Buffered {
		t.Fatalf("result = %v, want buffered", res)
	}

	ft.h.OnOpen()

	writes := ft.written()
	if len(writes) != 1 {
		t.Fatalf("wrote %d frames on open, want exactly 1", len(writes))
	}
	if Key(writes[0].Tokens) != "1,2,3" {
		t.Errorf("flushed key = %q, want latest watch-set", Key(writes[0].Tokens))
	}

	// Same set after open: nothing new on the wire.
	m.Subscribe([]uint32{3, 2, 1}, models.ModeFull)
	if len(ft.written()) != 1 {
		t.Error("unchanged watch-set should not be re-sent")
	}
}

func TestSubscriptionManager_SessionLifecycle(t *testing.T) {
	ft := &fakeTransport{openOnDial: true}
	s := NewSession(ft)
	m := NewSubscriptionManager(s, zerolog.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if res, _ := m.Subscribe([]uint32{42}, models.ModeFull); res != Sent {
		t.Fatalf("result = %v, want sent", res)
	}
	if !s.Subscribed() {
		t.Error("session should report subscribed")
	}
	if res := m.Unsubscribe(); res != Sent {
		t.Fatalf("unsubscribe result = %v, want sent", res)
	}
	if s.Subscribed() {
		t.Error("session should report unsubscribed")
	}
}
