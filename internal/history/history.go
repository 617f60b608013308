package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of readiness event.
type EventType string

const (
	EventStartRequested EventType = "start_requested"
	EventReady          EventType = "ready"
	EventFailed         EventType = "failed"
	EventStopped        EventType = "stopped"
)

// Record is what is known about the server when an event is emitted.
type Record struct {
	PID      int    `json:"pid"`
	Port     int    `json:"port"`
	Status   string `json:"status"`
	URL      string `json:"url,omitempty"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// Event represents a readiness event to be exported to external systems.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// NewEvent stamps rec with a fresh id and the current time.
func NewEvent(t EventType, rec Record) Event {
	return Event{ID: uuid.NewString(), Type: t, OccurredAt: time.Now().UTC(), Record: rec}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder fans events out to sinks. Sink failures are logged and never surface to
// the caller; history is an audit trail, not part of the readiness outcome.
// A nil *Recorder discards everything.
type Recorder struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration
}

// NewRecorder returns a recorder over sinks. logger may be nil.
func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sinks: sinks, logger: logger, timeout: 5 * time.Second}
}

// Record sends e to every sink.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	for _, s := range r.sinks {
		if err := s.Send(ctx, e); err != nil {
			r.logger.Warn("history sink failed", "event", e.Type, "id", e.ID, "error", err)
		}
	}
}

// Close closes every sink that holds resources.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
