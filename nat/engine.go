package nat

import (
	"net/netip"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/igjeong/edgeflow/metrics"
	"github.com/igjeong/edgeflow/packet"
)

// Action is the disposition of a frame at a classification point.
type Action uint8

const (
	// ActionOK forwards the frame, modified or not.
	ActionOK Action = iota
	// ActionShot discards the frame.
	ActionShot
)

func (a Action) String() string {
	if a == ActionShot {
		return "shot"
	}
	return "ok"
}

// Classifier is a pair of NAT classification points.
type Classifier interface {
	Ingress(frame []byte) Action
	Egress(frame []byte) Action
}

// Config is fixed when the engine is constructed.
type Config struct {
	// LocalAddr is the address of the attached interface. Traffic addressed
	// to it is never translated.
	LocalAddr netip.Addr
	// TOSMark, when non-zero, is written into the TOS byte of every
	// rewritten packet.
	TOSMark uint8
}

// Tables are the shared state the engine works on.
type Tables struct {
	Translations TranslationMap
	ConnTrack    ConnTable
	Config       ConfigTable
}

// Stats holds engine counters
type Stats struct {
	IngressTranslated  uint64
	IngressPassthrough uint64
	IngressShot        uint64
	EgressTranslated   uint64
	EgressPassthrough  uint64
	TrackerErrors      uint64
	MissingEpoch       uint64
}

// EngineOption is a functional option for Engine configuration.
type EngineOption func(*Engine)

// WithLogger sets a custom logger.
func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics reports packet dispositions to m.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// Engine rewrites destinations on ingress and restores sources on egress.
type Engine struct {
	cfg          Config
	localIP      uint32
	translations *TranslationTable
	tracker      *Tracker
	epoch        *EpochConfig
	ingress      packet.Reader
	egress       packet.Reader
	logger       *zap.Logger
	metrics      *metrics.Metrics

	ingressTranslatedCounter  prometheus.Counter
	ingressPassthroughCounter prometheus.Counter
	ingressShotCounter        prometheus.Counter
	egressTranslatedCounter   prometheus.Counter
	egressPassthroughCounter  prometheus.Counter

	// Statistics
	ingressTranslated  atomic.Uint64
	ingressPassthrough atomic.Uint64
	ingressShot        atomic.Uint64
	egressTranslated   atomic.Uint64
	egressPassthrough  atomic.Uint64
	trackerErrors      atomic.Uint64
	missingEpoch       atomic.Uint64
}

// NewEngine creates a new NAT engine.
func NewEngine(cfg Config, tables Tables, opts ...EngineOption) *Engine {
	e := &Engine{
		cfg:          cfg,
		localIP:      packet.AddrToUint32(cfg.LocalAddr),
		translations: NewTranslationTable(tables.Translations),
		tracker:      NewTracker(tables.ConnTrack),
		epoch:        NewEpochConfig(tables.Config),
		egress:       packet.Reader{AcceptUnsetEtherType: true},
		logger:       zap.NewNop(),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.metrics != nil {
		e.ingressTranslatedCounter = e.metrics.NATPackets.WithLabelValues(metrics.DirectionIngress, metrics.ResultTranslated)
		e.ingressPassthroughCounter = e.metrics.NATPackets.WithLabelValues(metrics.DirectionIngress, metrics.ResultPassthrough)
		e.ingressShotCounter = e.metrics.NATPackets.WithLabelValues(metrics.DirectionIngress, metrics.ResultShot)
		e.egressTranslatedCounter = e.metrics.NATPackets.WithLabelValues(metrics.DirectionEgress, metrics.ResultTranslated)
		e.egressPassthroughCounter = e.metrics.NATPackets.WithLabelValues(metrics.DirectionEgress, metrics.ResultPassthrough)
	}

	return e
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() Config {
	return e.cfg
}

// Tracker returns the connection tracker.
func (e *Engine) Tracker() *Tracker {
	return e.tracker
}

// Ingress translates the destination of a frame entering the interface.
func (e *Engine) Ingress(frame []byte) Action {
	pkt := e.ingress.Read(frame)

	if !pkt.Parsed() {
		if pkt.Status == packet.StatusMalformed && pkt.Layer == packet.LayerLink {
			e.inc(&e.ingressShot, e.ingressShotCounter)
			return ActionShot
		}
		return e.passIngress()
	}

	// Identities are IPv4 only.
	if !pkt.IsIPv4() {
		return e.passIngress()
	}

	dst := pkt.DestIdent()
	if e.localIP != 0 && dst.IP == e.localIP {
		return e.passIngress()
	}

	rule, ok := e.translations.Lookup(dst)
	if !ok {
		return e.passIngress()
	}

	epoch, ok := e.epoch.Current()
	if !ok {
		e.missingEpoch.Add(1)
		e.logger.Warn("skipping translation", zap.Stringer("dest", dst), zap.Error(ErrMissingEpoch))
		return e.passIngress()
	}

	src := pkt.SourceIdent()
	if pkt.L4.State == packet.ConnStateForceClose {
		if err := e.tracker.Forget(src); err != nil {
			e.trackerErrors.Add(1)
			e.logger.Warn("failed to remove tracked connection", zap.Error(err))
		}
	} else if err := e.tracker.Observe(src, dst, epoch); err != nil {
		e.trackerErrors.Add(1)
		e.logger.Warn("failed to track connection", zap.Error(err))
	}

	pkt.SetDestinationIPv4(rule.TargetIP)
	e.finish(&pkt)

	e.inc(&e.ingressTranslated, e.ingressTranslatedCounter)
	return ActionOK
}

// Egress restores the source of a reply leaving the interface.
func (e *Engine) Egress(frame []byte) Action {
	pkt := e.egress.Read(frame)

	if !pkt.Parsed() || !pkt.IsIPv4() {
		return e.passEgress()
	}

	client := pkt.DestIdent()
	meta, ok := e.tracker.Lookup(client)
	if !ok {
		return e.passEgress()
	}

	pkt.SetSourceIPv4(meta.IP)

	switch pkt.L4.State {
	case packet.ConnStateClosing, packet.ConnStateForceClose:
		if err := e.tracker.Forget(client); err != nil {
			e.trackerErrors.Add(1)
			e.logger.Warn("failed to remove tracked connection", zap.Error(err))
		}
	}

	e.finish(&pkt)

	e.inc(&e.egressTranslated, e.egressTranslatedCounter)
	return ActionOK
}

func (e *Engine) finish(pkt *packet.Packet) {
	if e.cfg.TOSMark != 0 {
		pkt.SetTOS(e.cfg.TOSMark)
	}
	pkt.RecomputeChecksum()
}

func (e *Engine) passIngress() Action {
	e.inc(&e.ingressPassthrough, e.ingressPassthroughCounter)
	return ActionOK
}

func (e *Engine) passEgress() Action {
	e.inc(&e.egressPassthrough, e.egressPassthroughCounter)
	return ActionOK
}

func (e *Engine) inc(v *atomic.Uint64, c prometheus.Counter) {
	v.Add(1)
	if c != nil {
		c.Inc()
	}
}

// Stats returns engine statistics.
func (e *Engine) Stats() Stats {
	return Stats{
		IngressTranslated:  e.ingressTranslated.Load(),
		IngressPassthrough: e.ingressPassthrough.Load(),
		IngressShot:        e.ingressShot.Load(),
		EgressTranslated:   e.egressTranslated.Load(),
		EgressPassthrough:  e.egressPassthrough.Load(),
		TrackerErrors:      e.trackerErrors.Load(),
		MissingEpoch:       e.missingEpoch.Load(),
	}
}

// MockClassifier forwards every frame unmodified without touching any table.
type MockClassifier struct{}

// Ingress implements Classifier.
func (MockClassifier) Ingress([]byte) Action { return ActionOK }

// Egress implements Classifier.
func (MockClassifier) Egress([]byte) Action { return ActionOK }
