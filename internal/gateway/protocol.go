package gateway

import (
	"encoding/json"

	"portfolio-copilot/internal/models"
	"portfolio-copilot/internal/stream"
)

// ServerFrame is a control frame sent to downstream clients. TICKS frames
// are relayed verbatim and never pass through this type.
type ServerFrame struct {
	Type   string      `json:"type"`
	Tokens []uint32    `json:"tokens,omitempty"`
	Mode   models.Mode `json:"mode,omitempty"`
	Code   int         `json:"code,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// AckFrame acknowledges a SUBSCRIBE or UNSUBSCRIBE. Tokens is always
// present, as [] when the intent named none.
type AckFrame struct {
	Type   string      `json:"type"`
	Tokens []uint32    `json:"tokens"`
	Mode   models.Mode `json:"mode,omitempty"`
}

func connectedFrame() ServerFrame { return ServerFrame{Type: stream.FrameConnected} }

func subscribedFrame(i stream.Intent) AckFrame {
	return AckFrame{Type: stream.FrameSubscribed, Tokens: nonNil(i.Tokens), Mode: i.Mode}
}

func unsubscribedFrame(i stream.Intent) AckFrame {
	return AckFrame{Type: stream.FrameUnsubscribed, Tokens: nonNil(i.Tokens)}
}

func errorFrame(reason string) ServerFrame {
	return ServerFrame{Type: stream.FrameError, Reason: reason}
}

func closedFrame(code int, reason string) ServerFrame {
	return ServerFrame{Type: stream.FrameClosed, Code: code, Reason: reason}
}

func nonNil(tokens []uint32) []uint32 {
	if tokens == nil {
		return []uint32{}
	}
	return tokens
}

// decodeIntent parses a downstream SUBSCRIBE/UNSUBSCRIBE frame. A missing
// mode on SUBSCRIBE means the default mode.
func decodeIntent(payload []byte) (stream.Intent, string, bool) {
	var intent stream.Intent
	if err := json.Unmarshal(payload, &intent); err != nil {
		return stream.Intent{}, "invalid json", false
	}

	switch intent.Action {
	case stream.ActionSubscribe:
		mode, err := models.ParseMode(string(intent.Mode))
		if err != nil {
			return stream.Intent{}, "invalid mode", false
		}
		return stream.SubscribeIntent(intent.Tokens, mode), "", true
	case stream.ActionUnsubscribe:
		return stream.UnsubscribeIntent(intent.Tokens), "", true
	default:
		return stream.Intent{}, "unknown type", false
	}
}
