// Package telemetry reports per-attempt metadata about registry calls to pluggable sinks.
package telemetry

import (
	"sync"
	"time"
)

// Outcome classifies a finished attempt.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeNotFound       Outcome = "not_found"
	OutcomeConflict       Outcome = "conflict"
	OutcomeUnauthorized   Outcome = "unauthorized"
	OutcomeClientError    Outcome = "client_error"
	OutcomeServerError    Outcome = "server_error"
	OutcomeTransportError Outcome = "transport_error"
	OutcomeTimeout        Outcome = "timeout"
	OutcomeCanceled       Outcome = "canceled"
)

// SpanInfo describes an attempt before it is sent.
type SpanInfo struct {
	RequestID  string
	Operation  string
	Collection string
	Method     string
	Path       string
	Attempt    int
}

// Event is a finished attempt as delivered to sinks.
type Event struct {
	SpanInfo
	Start    time.Time
	Duration time.Duration
	Status   int
	Outcome  Outcome
	Err      error
}

// Sink receives finished attempts. Record must not block for long; it runs on the caller's goroutine.
type Sink interface {
	Record(ev Event)
}

// StartObserver is implemented by sinks that track attempts in flight.
type StartObserver interface {
	Started(info SpanInfo)
}

// Hook fans attempt spans out to a sink. A nil *Hook is valid and disabled.
type Hook struct {
	sink Sink
	now  func() time.Time
}

// New returns a Hook over the given sinks, or nil when there are none.
func New(sinks ...Sink) *Hook {
	var live Multi
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	switch len(live) {
	case 0:
		return nil
	case 1:
		return &Hook{sink: live[0], now: time.Now}
	default:
		return &Hook{sink: live, now: time.Now}
	}
}

// Enabled reports whether spans are delivered anywhere.
func (h *Hook) Enabled() bool { return h != nil && h.sink != nil }

// Start opens a span for one attempt. The returned span is nil when the hook is disabled.
func (h *Hook) Start(info SpanInfo) *Span {
	if !h.Enabled() {
		return nil
	}
	if o, ok := h.sink.(StartObserver); ok {
		o.Started(info)
	}
	return &Span{hook: h, info: info, start: h.now()}
}

// Span is an attempt in progress.
type Span struct {
	hook  *Hook
	info  SpanInfo
	start time.Time
	once  sync.Once
}

// End finishes the span. Only the first call is recorded; calls on a nil span are ignored.
func (s *Span) End(status int, outcome Outcome, err error) {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.hook.sink.Record(Event{
			SpanInfo: s.info,
			Start:    s.start,
			Duration: s.hook.now().Sub(s.start),
			Status:   status,
			Outcome:  outcome,
			Err:      err,
		})
	})
}

// Multi delivers every event to each sink in order.
type Multi []Sink

// Record implements Sink.
func (m Multi) Record(ev Event) {
	for _, s := range m {
		s.Record(ev)
	}
}

// Started implements StartObserver for sinks that support it.
func (m Multi) Started(info SpanInfo) {
	for _, s := range m {
		if o, ok := s.(StartObserver); ok {
			o.Started(info)
		}
	}
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Record implements Sink.
func (f SinkFunc) Record(ev Event) { f(ev) }

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Record implements Sink.
func (r *Recorder) Record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Outcomes returns the outcomes of the recorded events in order.
func (r *Recorder) Outcomes() []Outcome {
	evs := r.Events()
	out := make([]Outcome, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Outcome)
	}
	return out
}
