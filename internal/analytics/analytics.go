// Package analytics delivers internal and caller events to an analytics
// backend. Tracking is fire-and-forget: Dispatcher.Track never blocks and
// never fails the caller.
package analytics

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rafaeljc/tollgate/internal/observability"
)

// Event is one tracked analytics event.
type Event struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	UserID    string         `json:"user_id,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink delivers events to a backend.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// MultiSink fans an event out to several sinks.
type MultiSink []Sink

// Send delivers to every sink and joins their errors.
func (m MultiSink) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes events to a logger at debug level.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
// If logger is nil, it defaults to slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Send logs the event.
func (s *LogSink) Send(_ context.Context, e Event) error {
	s.logger.Debug("analytics event",
		slog.String("event", e.Name),
		slog.String("event_id", e.ID),
		slog.String("user_id", e.UserID),
		slog.Any("params", e.Params),
	)
	return nil
}

// Dispatcher buffers events and delivers them on a background goroutine.
type Dispatcher struct {
	logger *slog.Logger
	sink   Sink
	userID func() string
	now    func() time.Time
	events chan Event
}

// NewDispatcher creates a dispatcher with a bounded buffer. Events tracked
// while the buffer is full are dropped and counted.
// If logger is nil, it defaults to slog.Default().
func NewDispatcher(logger *slog.Logger, sink Sink, bufferSize int, userID func() string) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		panic("analytics: sink cannot be nil")
	}
	if bufferSize < 1 {
		bufferSize = 1
	}
	if userID == nil {
		userID = func() string { return "" }
	}
	return &Dispatcher{
		logger: logger,
		sink:   sink,
		userID: userID,
		now:    time.Now,
		events: make(chan Event, bufferSize),
	}
}

// Track queues an event. It never blocks.
func (d *Dispatcher) Track(name string, params map[string]any) {
	e := Event{
		ID:        uuid.NewString(),
		Name:      name,
		UserID:    d.userID(),
		Params:    params,
		Timestamp: d.now().UTC(),
	}

	select {
	case d.events <- e:
		observability.AnalyticsEventsTotal.Inc()
	default:
		observability.AnalyticsEventsDropped.Inc()
		d.logger.Warn("analytics buffer full, dropping event", slog.String("event", name))
	}
}

// Run delivers queued events until ctx is cancelled, then drains what is
// left within drainTimeout.
func (d *Dispatcher) Run(ctx context.Context, drainTimeout time.Duration) error {
	for {
		select {
		case e := <-d.events:
			d.send(ctx, e)
		case <-ctx.Done():
			d.drain(drainTimeout)
			return nil
		}
	}
}

func (d *Dispatcher) drain(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for {
		select {
		case e := <-d.events:
			d.send(ctx, e)
		default:
			return
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, e Event) {
	if err := d.sink.Send(ctx, e); err != nil {
		d.logger.Warn("failed to deliver analytics event",
			slog.String("event", e.Name),
			slog.Any("error", err),
		)
	}
}
