package eventsink

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/amzn/acme-compliance-agent/internal/logging"
)

// Transport is the out-of-scope delivery mechanism for a resolved stream
// (spec §1 "telemetry emission — specified only as the EventSink
// interface"). A concrete deployment supplies one (HTTPS POST to a
// collector, a message broker publish, ...); Sink owns only routing,
// buffering, and metrics around it.
type Transport interface {
	Send(stream, eventType, subjectArea string, payload interface{}) error
}

// Sink implements the EventSink (spec §4.11): it resolves a destination
// stream via RouteMap, attempts delivery through Transport, and falls back
// to DiskBuffer when the transport is unavailable. Credentials for the
// transport are delivered via the STS-token configuration sub-module,
// outside this package's concern.
type Sink struct {
	routes    *RouteMap
	transport Transport
	buffer    *DiskBuffer
	log       *logging.Logger

	mu      sync.Mutex
	metrics *metrics
}

type metrics struct {
	emitted  *prometheus.CounterVec
	buffered prometheus.Counter
	flushed  *prometheus.CounterVec
}

func newMetrics(registerer prometheus.Registerer) *metrics {
	m := &metrics{
		emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acme_eventsink_events_emitted_total",
			Help: "Total events handed to the event sink, by stream.",
		}, []string{"stream"}),
		buffered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acme_eventsink_events_buffered_total",
			Help: "Total events that fell back to the offline disk buffer.",
		}),
		flushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acme_eventsink_events_flushed_total",
			Help: "Total buffered events successfully flushed on reconnect, by outcome.",
		}, []string{"outcome"}),
	}
	if registerer != nil {
		registerer.MustRegister(m.emitted, m.buffered, m.flushed)
	}
	return m
}

// New creates a Sink. registerer may be nil to skip Prometheus
// registration (e.g. in tests that construct multiple Sinks).
func New(routes *RouteMap, transport Transport, buffer *DiskBuffer, registerer prometheus.Registerer, log *logging.Logger) *Sink {
	if log == nil {
		log = logging.NewFromEnv("eventsink")
	}
	return &Sink{
		routes:    routes,
		transport: transport,
		buffer:    buffer,
		log:       log,
		metrics:   newMetrics(registerer),
	}
}

// Emit implements controller.Sink and the wider event-emission contract
// (spec §4.11). Delivery failures are buffered rather than dropped or
// propagated; Emit itself never returns an error to its caller beyond
// buffer-write failure, matching the propagation policy in spec §7 ("every
// top-level loop iteration catches, logs, and continues").
func (s *Sink) Emit(eventType, subjectArea string, payload interface{}) error {
	return s.EmitWithPriority(eventType, subjectArea, payload, PriorityNormal)
}

// EmitWithPriority is Emit plus an explicit priority class (SPEC_FULL.md
// supplemented feature 8), used by KARL-originated events.
func (s *Sink) EmitWithPriority(eventType, subjectArea string, payload interface{}, priority Priority) error {
	stream := s.routes.Resolve(eventType, subjectArea)
	s.metrics.emitted.WithLabelValues(stream).Inc()

	if s.transport == nil {
		return s.bufferEvent(eventType, subjectArea, payload, priority)
	}

	if err := s.transport.Send(stream, eventType, subjectArea, payload); err != nil {
		s.log.WithError(err).WithField("stream", stream).Warn("event delivery failed, buffering")
		return s.bufferEvent(eventType, subjectArea, payload, priority)
	}
	return nil
}

func (s *Sink) bufferEvent(eventType, subjectArea string, payload interface{}, priority Priority) error {
	if s.buffer == nil {
		return fmt.Errorf("event sink has no transport and no buffer: dropping %s/%s", eventType, subjectArea)
	}
	if err := s.buffer.Append(eventType, subjectArea, payload, priority); err != nil {
		return fmt.Errorf("buffer event: %w", err)
	}
	s.metrics.buffered.Inc()
	return nil
}

// QueueDepth reports how many events currently sit in the offline disk
// buffer (spec §6 "GetKARLStatus"), 0 if there is no buffer.
func (s *Sink) QueueDepth() int {
	if s.buffer == nil {
		return 0
	}
	return s.buffer.Len()
}

// Flush replays the disk buffer high priority first, oldest-first within
// each priority (see DiskBuffer.Drain), re-buffering anything that still
// fails to deliver (spec
// §4.11 "on reconnection, flushes oldest-first").
func (s *Sink) Flush() error {
	if s.buffer == nil || s.transport == nil {
		return nil
	}

	events, err := s.buffer.Drain()
	if err != nil {
		return fmt.Errorf("drain event buffer: %w", err)
	}

	for _, ev := range events {
		stream := s.routes.Resolve(ev.EventType, ev.SubjectArea)
		if err := s.transport.Send(stream, ev.EventType, ev.SubjectArea, ev.Payload); err != nil {
			s.metrics.flushed.WithLabelValues("failed").Inc()
			if rebufferErr := s.buffer.Append(ev.EventType, ev.SubjectArea, ev.Payload, ev.Priority); rebufferErr != nil {
				s.log.WithError(rebufferErr).Error("failed to re-buffer event after flush failure")
			}
			continue
		}
		s.metrics.flushed.WithLabelValues("success").Inc()
	}
	return nil
}
