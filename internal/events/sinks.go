package events

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// NoOpSink discards everything.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// ChannelSink forwards events to a channel, mainly for tests and embedders
// that run their own consumer. A full channel drops.
type ChannelSink struct {
	C chan Event
}

// NewChannelSink allocates a sink with the given capacity.
func NewChannelSink(capacity int) *ChannelSink {
	return &ChannelSink{C: make(chan Event, capacity)}
}

func (s *ChannelSink) Emit(_ context.Context, event Event) {
	select {
	case s.C <- event:
	default:
	}
}

// JSONWriterSink writes one JSON object per line. Writes are serialized so
// concurrent dispatchers sharing a writer do not interleave.
type JSONWriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewJSONWriterSink wraps a writer.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{w: w}
}

func (s *JSONWriterSink) Emit(_ context.Context, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.w.Write(append(data, '\n'))
}

// ZerologSink logs each event at info level with structured fields.
type ZerologSink struct {
	logger zerolog.Logger
}

// NewZerologSink wraps a logger.
func NewZerologSink(logger zerolog.Logger) *ZerologSink {
	return &ZerologSink{logger: logger}
}

func (s *ZerologSink) Emit(_ context.Context, event Event) {
	e := s.logger.Info().
		Str("event_id", event.ID).
		Str("event_type", event.Type).
		Time("event_at", event.At)
	if event.UserID != "" {
		e = e.Str("user_id", event.UserID)
	}
	if event.TenantID != "" {
		e = e.Str("tenant_id", event.TenantID)
	}
	if event.SessionID != "" {
		e = e.Str("session_id", event.SessionID)
	}
	if event.ClientID != "" {
		e = e.Str("client_id", event.ClientID)
	}
	for k, v := range event.Detail {
		e = e.Str(k, v)
	}
	e.Msg("security event")
}
