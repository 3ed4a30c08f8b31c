package stream

import (
	"encoding/json"
	"testing"
	"time"

	"portfolio-copilot/internal/models"
)

func TestTickStore_LastWriteWins(t *testing.T) {
	s := NewTickStore()

	s.ApplyBatch([]models.Tick{models.NewTick(1, 100, 90)})
	// A later tick with an older close still replaces the whole tick.
	stale := models.Tick{InstrumentToken: 1, OHLC: &models.OHLC{Close: 50}}
	s.ApplyBatch([]models.Tick{stale})

	got, ok := s.Get(1)
	if !ok {
		t.Fatal("token 1 missing")
	}
	if got.LastPrice != nil {
		t.Error("last_price should not be merged from the earlier tick")
	}
	if got.PrevClose() != 50 {
		t.Errorf("PrevClose() = %v, want 50", got.PrevClose())
	}
}

func TestTickStore_BatchOrder(t *testing.T) {
	s := NewTickStore()
	n := s.ApplyBatch([]models.Tick{
		models.NewTick(7, 1, 0),
		models.NewTick(7, 2, 0),
		models.NewTick(0, 3, 0),
		models.NewTick(7, 3, 0),
	})
	if n != 3 {
		t.Errorf("applied = %d, want 3 (zero token skipped)", n)
	}
	got, _ := s.Get(7)
	if ltp, _ := got.LTP(); ltp != 3 {
		t.Errorf("LTP = %v, want last in batch (3)", ltp)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestTickStore_SnapshotIsIsolated(t *testing.T) {
	s := NewTickStore()
	s.ApplyBatch([]models.Tick{models.NewTick(1, 10, 0)})

	snap := s.Snapshot()
	s.ApplyBatch([]models.Tick{models.NewTick(1, 20, 0), models.NewTick(2, 5, 0)})

	if len(snap) != 1 {
		t.Errorf("snapshot len = %d, want 1", len(snap))
	}
	if ltp, _ := snap[1].LTP(); ltp != 10 {
		t.Errorf("snapshot LTP = %v, want 10", ltp)
	}

	delete(snap, 1)
	if _, ok := s.Get(1); !ok {
		t.Error("mutating the snapshot must not affect the store")
	}
}

func TestTickStore_ConcurrentReadersSeeWholeBatches(t *testing.T) {
	s := NewTickStore()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for i := 1; i <= 200; i++ {
			p := float64(i)
			s.ApplyBatch([]models.Tick{models.NewTick(1, p, 0), models.NewTick(2, p, 0)})
		}
	}()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-done:
			return
		case <-deadline:
			t.Fatal("writer did not finish")
		default:
		}
		snap := s.Snapshot()
		a, okA := snap[1]
		b, okB := snap[2]
		if okA != okB {
			t.Fatal("observed a partially applied batch")
		}
		if okA {
			la, _ := a.LTP()
			lb, _ := b.LTP()
			if la != lb {
				t.Fatalf("observed a partially applied batch: %v vs %v", la, lb)
			}
		}
	}
}

func TestEventLog(t *testing.T) {
	l := NewEventLog(3)
	for i := 0; i < 5; i++ {
		l.Add(Event{Type: "TICKS", Raw: json.RawMessage([]byte{byte('0' + i)})})
	}

	got := l.Recent()
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	want := []string{"4", "3", "2"}
	for i, e := range got {
		if string(e.Raw) != want[i] {
			t.Errorf("Recent()[%d] = %s, want %s", i, e.Raw, want[i])
		}
	}

	l.Clear()
	if l.Len() != 0 {
		t.Errorf("Len() after Clear = %d", l.Len())
	}

	disabled := NewEventLog(0)
	disabled.Add(Event{Type: "X"})
	if disabled.Len() != 0 {
		t.Error("zero-size log should not record")
	}
}
