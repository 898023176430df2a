package identity

import (
	"io"

	"github.com/rs/zerolog"

	"github.com/veridianerp/identity/internal/events"
)

// Event is one audit-relevant fact emitted by the engine. Publishing is
// fire-and-forget: a slow or failing sink never fails the operation that
// raised the event.
type Event = events.Event

// EventSink receives engine events. See the sinks in internal/events for
// ready-made implementations exposed through the constructors below.
type EventSink = events.Sink

// Event type names, re-exported for sink implementations.
const (
	EventUserLoggedIn        = events.TypeUserLoggedIn
	EventLoginFailed         = events.TypeLoginFailed
	EventAccountLocked       = events.TypeAccountLocked
	EventTokenRevoked        = events.TypeTokenRevoked
	EventMFAChallengeFailed  = events.TypeMFAChallengeFailed
	EventCodeReplayDetected  = events.TypeCodeReplayDetected
	EventSuspiciousLogin     = events.TypeSuspiciousLogin
	EventPasswordChanged     = events.TypePasswordChanged
	EventAuthorizationDenied = events.TypeAuthorizationDenied
)

// NewChannelSink returns a sink forwarding events to its channel C.
func NewChannelSink(capacity int) *events.ChannelSink {
	return events.NewChannelSink(capacity)
}

// NewJSONWriterSink returns a sink writing one JSON object per line.
func NewJSONWriterSink(w io.Writer) *events.JSONWriterSink {
	return events.NewJSONWriterSink(w)
}

// NewZerologSink returns a sink logging events at info level.
func NewZerologSink(logger zerolog.Logger) *events.ZerologSink {
	return events.NewZerologSink(logger)
}
