package journal

import (
	"encoding/json"
	"time"

	"github.com/yanun0323/errors"

	"propdesk/internal/schema"
)

var ErrUnknownEventKind = errors.New("journal unknown event kind")

// systemEventJSON shadows schema.SystemEvent: error values do not
// round-trip through JSON, only their text does.
type systemEventJSON struct {
	Type      schema.SystemEventType `json:"type"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// EncodeEvent serializes one event to its journal payload.
func EncodeEvent(ev schema.Event) (uint16, []byte, error) {
	var (
		payload []byte
		err     error
	)
	switch v := ev.(type) {
	case schema.MarketDataEvent:
		payload, err = json.Marshal(v)
	case schema.SignalEvent:
		payload, err = json.Marshal(v)
	case schema.OrderEvent:
		payload, err = json.Marshal(v)
	case schema.RiskEvent:
		payload, err = json.Marshal(v)
	case schema.SystemEvent:
		sj := systemEventJSON{Type: v.Type, Message: v.Message, Timestamp: v.Timestamp}
		if v.Err != nil {
			sj.Error = v.Err.Error()
		}
		payload, err = json.Marshal(sj)
	default:
		return 0, nil, errors.Wrap(ErrUnknownEventKind, ev.Kind().String())
	}
	if err != nil {
		return 0, nil, errors.Wrap(err, "encode "+ev.Kind().String())
	}
	return uint16(ev.Kind()), payload, nil
}

// DecodeEvent parses one journal payload back into its event.
func DecodeEvent(kind uint16, payload []byte) (schema.Event, error) {
	switch schema.EventKind(kind) {
	case schema.EventKindMarketData:
		var v schema.MarketDataEvent
		return v, unmarshal(payload, &v)
	case schema.EventKindSignal:
		var v schema.SignalEvent
		return v, unmarshal(payload, &v)
	case schema.EventKindOrder:
		var v schema.OrderEvent
		return v, unmarshal(payload, &v)
	case schema.EventKindRisk:
		var v schema.RiskEvent
		return v, unmarshal(payload, &v)
	case schema.EventKindSystem:
		var sj systemEventJSON
		if err := unmarshal(payload, &sj); err != nil {
			return nil, err
		}
		ev := schema.SystemEvent{Type: sj.Type, Message: sj.Message, Timestamp: sj.Timestamp}
		if sj.Error != "" {
			ev.Err = errors.New(sj.Error)
		}
		return ev, nil
	default:
		return nil, ErrUnknownEventKind
	}
}

func unmarshal(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return errors.Wrap(err, "decode journal payload")
	}
	return nil
}
