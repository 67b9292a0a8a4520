package firewall

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/igjeong/edgeflow/export"
	"github.com/igjeong/edgeflow/metrics"
)

// Filter is an ingress filter point.
type Filter interface {
	Handle(lane int, frame []byte) Verdict
}

// Stats holds filter counters
type Stats struct {
	Passed         uint64
	Dropped        uint64
	EventsEmitted  uint64
	EventsRejected uint64
}

// Option configures an Attachment.
type Option func(*Attachment)

// WithLogger sets the logger for the attachment.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Attachment) {
		a.logger = logger
	}
}

// WithMetrics reports verdicts and exports to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Attachment) {
		a.metrics = m
	}
}

// Attachment runs the engine at the filter point and hands events to the
// exporter. An export failure never changes the verdict.
type Attachment struct {
	engine   *Engine
	exporter export.Exporter
	logger   *zap.Logger
	metrics  *metrics.Metrics

	passedCounter   prometheus.Counter
	droppedCounter  prometheus.Counter
	emittedCounter  prometheus.Counter
	rejectedCounter prometheus.Counter

	passed         atomic.Uint64
	dropped        atomic.Uint64
	eventsEmitted  atomic.Uint64
	eventsRejected atomic.Uint64
}

// NewAttachment creates a filter point for engine.
func NewAttachment(engine *Engine, exporter export.Exporter, opts ...Option) *Attachment {
	a := &Attachment{
		engine:   engine,
		exporter: exporter,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.metrics != nil {
		a.passedCounter = a.metrics.FirewallPackets.WithLabelValues(VerdictPass.String())
		a.droppedCounter = a.metrics.FirewallPackets.WithLabelValues(VerdictDrop.String())
		a.emittedCounter = a.metrics.FirewallEvents.WithLabelValues(metrics.ResultSubmitted)
		a.rejectedCounter = a.metrics.FirewallEvents.WithLabelValues(metrics.ResultRejected)
	}

	return a
}

// Handle implements Filter.
func (a *Attachment) Handle(lane int, frame []byte) Verdict {
	d := a.engine.Evaluate(frame)

	if d.Emit && a.exporter != nil {
		if err := a.exporter.Submit(lane, d.Event); err != nil {
			a.eventsRejected.Add(1)
			if a.rejectedCounter != nil {
				a.rejectedCounter.Inc()
			}
			a.logger.Debug("failed to submit event",
				zap.Int("lane", lane),
				zap.Stringer("event", d.Event),
				zap.Error(err))
		} else {
			a.eventsEmitted.Add(1)
			if a.emittedCounter != nil {
				a.emittedCounter.Inc()
			}
		}
	}

	if d.Verdict == VerdictPass {
		a.passed.Add(1)
		if a.passedCounter != nil {
			a.passedCounter.Inc()
		}
	} else {
		a.dropped.Add(1)
		if a.droppedCounter != nil {
			a.droppedCounter.Inc()
		}
	}

	return d.Verdict
}

// Stats returns the current counters.
func (a *Attachment) Stats() Stats {
	return Stats{
		Passed:         a.passed.Load(),
		Dropped:        a.dropped.Load(),
		EventsEmitted:  a.eventsEmitted.Load(),
		EventsRejected: a.eventsRejected.Load(),
	}
}

// MockAttachment returns the default policy for every frame without reading
// it or touching any table.
type MockAttachment struct {
	DefaultPolicy Verdict
}

// Handle implements Filter.
func (m MockAttachment) Handle(int, []byte) Verdict {
	if m.DefaultPolicy == VerdictPass {
		return VerdictPass
	}
	return VerdictDrop
}
