// Package stream implements the live tick subscription engine: the streaming
// session, the subscription manager and the tick store.
package stream

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"portfolio-copilot/internal/models"
)

// Action is the discriminant of an outbound frame.
type Action string

const (
	ActionSubscribe   Action = "SUBSCRIBE"
	ActionUnsubscribe Action = "UNSUBSCRIBE"
)

// Inbound frame types.
const (
	FrameTicks        = "TICKS"
	FrameConnected    = "CONNECTED"
	FrameSubscribed   = "SUBSCRIBED"
	FrameUnsubscribed = "UNSUBSCRIBED"
	FrameError        = "ERROR"
	FrameClosed       = "CLOSED"
)

// Intent is an outbound subscription request.
type Intent struct {
	Action Action      `json:"type"`
	Tokens []uint32    `json:"tokens"`
	Mode   models.Mode `json:"mode,omitempty"`
}

// SubscribeIntent builds a SUBSCRIBE intent.
func SubscribeIntent(tokens []uint32, mode models.Mode) Intent {
	return Intent{Action: ActionSubscribe, Tokens: tokens, Mode: mode}
}

// UnsubscribeIntent builds an UNSUBSCRIBE intent.
func UnsubscribeIntent(tokens []uint32) Intent {
	return Intent{Action: ActionUnsubscribe, Tokens: tokens}
}

// Encode serializes the intent as a text frame.
func (i Intent) Encode() ([]byte, error) {
	out := i
	if out.Tokens == nil {
		out.Tokens = []uint32{}
	}
	return json.Marshal(out)
}

// Key returns the canonical key of a token set: sorted, de-duplicated and
// comma-joined. Order and repetition of the input do not affect the key.
func Key(tokens []uint32) string {
	uniq := Canonical(tokens)
	parts := make([]string, len(uniq))
	for i, t := range uniq {
		parts[i] = strconv.FormatUint(uint64(t), 10)
	}
	return strings.Join(parts, ",")
}

// Canonical returns a sorted copy of tokens without duplicates.
func Canonical(tokens []uint32) []uint32 {
	out := make([]uint32, len(tokens))
	copy(out, tokens)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	n := 0
	for i, t := range out {
		if i > 0 && t == out[n-1] {
			continue
		}
		out[n] = t
		n++
	}
	return out[:n]
}

// Frame is a parsed inbound frame. Ticks is non-nil only for a TICKS frame
// whose data is an array.
type Frame struct {
	Type  string
	Ticks []models.Tick
	Raw   json.RawMessage
}

type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ParseFrame decodes an inbound text frame. ok is false when the frame is not
// a JSON object with a string type.
//
// For a TICKS frame whose data is not an array, Ticks stays nil. Array
// elements that do not decode as a tick are skipped.
func ParseFrame(data []byte) (Frame, bool) {
	var in inboundFrame
	if err := json.Unmarshal(data, &in); err != nil || in.Type == "" {
		return Frame{}, false
	}

	f := Frame{Type: in.Type, Raw: json.RawMessage(data)}
	if in.Type != FrameTicks {
		return f, true
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(in.Data, &elems); err != nil || elems == nil {
		return f, true
	}

	f.Ticks = make([]models.Tick, 0, len(elems))
	for _, e := range elems {
		var t models.Tick
		if err := json.Unmarshal(e, &t); err != nil {
			continue
		}
		f.Ticks = append(f.Ticks, t)
	}
	return f, true
}

// TicksFrame encodes a TICKS frame for the given ticks.
func TicksFrame(ticks []models.Tick) ([]byte, error) {
	if ticks == nil {
		ticks = []models.Tick{}
	}
	return json.Marshal(struct {
		Type string        `json:"type"`
		Data []models.Tick `json:"data"`
	}{FrameTicks, ticks})
}

// IsTickBatch reports whether the frame carries a tick batch.
func (f Frame) IsTickBatch() bool {
	return f.Type == FrameTicks && f.Ticks != nil
}
