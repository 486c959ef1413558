package schild

import (
	"context"
	"time"
)

// Event names fired by the authenticators
const (
	EventLogin       = "login"
	EventLogout      = "logout"
	EventRegister    = "register"
	EventFailedLogin = "failedLogin"
	EventMagicLogin  = "magicLogin"
)

// Event describes something that happened during authentication.
// Credentials never carry the password.
type Event struct {
	Name        string
	Alias       string
	UserID      string
	Credentials map[string]string
	Metadata    map[string]any
	OccurredAt  time.Time
}

// EventSink consumes events. Errors are logged by the caller, they never
// change the outcome of the operation that fired the event.
type EventSink interface {
	Record(ctx context.Context, event Event) error
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(ctx context.Context, event Event) error

// Record implements EventSink.
func (f EventSinkFunc) Record(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

// MultiSink fans an event out to every sink, returning the first error
type MultiSink []EventSink

func (m MultiSink) Record(ctx context.Context, event Event) error {
	var first error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type noopEventSink struct{}

func (noopEventSink) Record(context.Context, Event) error {
	return nil
}

func normalizeEventSink(s EventSink) EventSink {
	if s == nil {
		return noopEventSink{}
	}
	return s
}

type emitter struct {
	sink   EventSink
	logger Logger
	clock  Clock
	alias  string
}

func (e emitter) emit(ctx context.Context, name string, user *User, credentials map[string]string) {
	event := Event{
		Name:        name,
		Alias:       e.alias,
		Credentials: credentials,
		OccurredAt:  e.clock(),
	}
	if user != nil {
		event.UserID = user.ID.String()
	}
	if err := e.sink.Record(ctx, event); err != nil {
		e.logger.Warn("event sink failed", "event", name, "error", err)
	}
}

func withoutPassword(credentials map[string]string) map[string]string {
	out := make(map[string]string, len(credentials))
	for k, v := range credentials {
		if k == "password" {
			continue
		}
		out[k] = v
	}
	return out
}
