package events

import (
	"encoding/json"
	"fmt"
	"time"

	"perpcore/internal/domain"
)

// wireMessage is the JSON envelope used by WebSocket and gRPC clients.
type wireMessage struct {
	Seq  uint64           `json:"seq"`
	Type domain.EventType `json:"type"`
	Time time.Time        `json:"time"`
	Data json.RawMessage  `json:"data"`
}

// MarshalJSON encodes the message as {"seq","type","time","data"}.
func (m Message) MarshalJSON() ([]byte, error) {
	if m.Event == nil {
		return nil, fmt.Errorf("message %d has no event", m.Seq)
	}
	data, err := json.Marshal(m.Event)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{Seq: m.Seq, Type: m.Event.Type(), Time: m.Time, Data: data})
}

// UnmarshalJSON decodes an envelope produced by MarshalJSON.
func (m *Message) UnmarshalJSON(b []byte) error {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	var evt domain.Event
	switch w.Type {
	case domain.EventOrderUpdated:
		var e domain.OrderUpdated
		if err := json.Unmarshal(w.Data, &e); err != nil {
			return err
		}
		evt = e
	case domain.EventPriceUpdated:
		var e domain.PriceUpdated
		if err := json.Unmarshal(w.Data, &e); err != nil {
			return err
		}
		evt = e
	case domain.EventChannel:
		var e domain.ChannelEvent
		if err := json.Unmarshal(w.Data, &e); err != nil {
			return err
		}
		evt = e
	case domain.EventSettlementFailed:
		var e domain.SettlementFailed
		if err := json.Unmarshal(w.Data, &e); err != nil {
			return err
		}
		evt = e
	default:
		return fmt.Errorf("unknown event type %q", w.Type)
	}

	*m = Message{Seq: w.Seq, Time: w.Time, Event: evt}
	return nil
}

// ParseTypes converts type names to event types, rejecting unknown names.
func ParseTypes(names []string) ([]domain.EventType, error) {
	out := make([]domain.EventType, 0, len(names))
	for _, n := range names {
		switch t := domain.EventType(n); t {
		case domain.EventOrderUpdated, domain.EventPriceUpdated,
			domain.EventChannel, domain.EventSettlementFailed:
			out = append(out, t)
		case "":
		default:
			return nil, fmt.Errorf("%w: unknown event type %q", domain.ErrValidation, n)
		}
	}
	return out, nil
}
