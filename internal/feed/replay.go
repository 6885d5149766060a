package feed

import (
	"io"
	"time"

	"github.com/yanun0323/errors"

	"propdesk/internal/schema"
)

// EventSource replays a mixed bar/tick event sequence, typically the
// market data extracted from a session journal.
type EventSource struct {
	events []schema.MarketDataEvent
	idx    int
	last   map[string]time.Time
}

// NewEventSource creates a source over the given events.
func NewEventSource(events []schema.MarketDataEvent) *EventSource {
	return &EventSource{events: events, last: make(map[string]time.Time)}
}

func (s *EventSource) Next() (schema.MarketDataEvent, error) {
	if s.idx >= len(s.events) {
		return schema.MarketDataEvent{}, io.EOF
	}
	ev := s.events[s.idx]
	s.idx++
	symbol, ts := ev.Instrument(), ev.EventTime()
	if prev, ok := s.last[symbol]; ok && ts.Before(prev) {
		return schema.MarketDataEvent{}, errors.Wrap(ErrOutOfOrder,
			symbol+" at "+ts.Format(time.RFC3339))
	}
	s.last[symbol] = ts
	return ev, nil
}
