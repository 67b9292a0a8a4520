// Package pipeline assembles the firewall and NAT attachment points of one
// interface and provisions their tables from configuration.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/igjeong/edgeflow/config"
	"github.com/igjeong/edgeflow/export"
	"github.com/igjeong/edgeflow/firewall"
	"github.com/igjeong/edgeflow/metrics"
	"github.com/igjeong/edgeflow/nat"
	"github.com/igjeong/edgeflow/netutil"
	"github.com/igjeong/edgeflow/packet"
	"github.com/igjeong/edgeflow/store"
)

const (
	// RuleCapacity bounds the firewall rule and NAT translation tables.
	RuleCapacity = 1024

	configTableCapacity = 1
)

// Option is a functional option for Pipeline configuration.
type Option func(*Pipeline)

// WithLogger sets a custom logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithMetrics reports to m. The caller registers m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithSink sets the consumer of firewall events. By default events are
// logged.
func WithSink(sink export.Sink) Option {
	return func(p *Pipeline) {
		p.sink = sink
	}
}

// WithAddrResolver replaces the interface address lookup.
func WithAddrResolver(resolve func(iface string) (netip.Addr, error)) Option {
	return func(p *Pipeline) {
		p.resolve = resolve
	}
}

// Attachments identifies the attachment points of a pipeline instance.
type Attachments struct {
	Filter  string `json:"filter"`
	Ingress string `json:"ingress"`
	Egress  string `json:"egress"`
}

// Pipeline runs frames of one interface through the firewall filter point
// and the NAT classification points.
type Pipeline struct {
	iface   string
	logger  *zap.Logger
	metrics *metrics.Metrics
	sink    export.Sink
	resolve func(string) (netip.Addr, error)

	rules        firewall.RuleTable
	translations nat.TranslationMap
	conntrack    nat.ConnTable
	natConfig    nat.ConfigTable
	closers      []io.Closer

	fwConfig   firewall.Config
	filter     firewall.Filter
	attachment *firewall.Attachment
	ring       export.Ring
	transport  *export.Transport

	natEnabled  bool
	classifier  nat.Classifier
	engine      *nat.Engine
	epoch       *nat.EpochSync
	cleaner     *nat.Cleaner
	epochWindow time.Duration
	cleanWindow time.Duration

	attachments Attachments
	started     time.Time

	// syncMu serializes control plane updates.
	syncMu sync.Mutex
}

// New builds the tables and attachment points described by cfg and
// provisions the tables. Deployment values (policies, backends, mock
// switches, local address) are fixed for the life of the pipeline.
func New(cfg *config.Config, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		iface:   cfg.Interface,
		logger:  zap.NewNop(),
		resolve: netutil.PrimaryIPv4,
		attachments: Attachments{
			Filter:  uuid.NewString(),
			Ingress: uuid.NewString(),
			Egress:  uuid.NewString(),
		},
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("pipeline").With(zap.String("interface", cfg.Interface))

	if err := p.buildTables(cfg); err != nil {
		p.closeTables()
		return nil, err
	}
	if err := p.buildFirewall(cfg); err != nil {
		p.closeTables()
		return nil, err
	}
	if err := p.buildNAT(cfg); err != nil {
		p.closeTables()
		return nil, err
	}

	if err := p.Sync(cfg); err != nil {
		p.closeTables()
		return nil, fmt.Errorf("failed to provision tables: %w", err)
	}

	p.logger.Info("pipeline created",
		zap.String("filter_id", p.attachments.Filter),
		zap.String("ingress_id", p.attachments.Ingress),
		zap.String("egress_id", p.attachments.Egress),
		zap.Bool("nat", p.natEnabled))

	return p, nil
}

func newTable[K comparable, V any](p *Pipeline, cfg *config.Config, name string, capacity int) (store.Map[K, V], error) {
	m, err := store.New[K, V](store.Options{
		Backend:  cfg.Store.Backend,
		Name:     name + "_" + cfg.Interface,
		Capacity: capacity,
		Shards:   cfg.Store.Shards,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s table: %w", name, err)
	}
	if c, ok := m.(io.Closer); ok {
		p.closers = append(p.closers, c)
	}
	return m, nil
}

func (p *Pipeline) buildTables(cfg *config.Config) error {
	var err error
	if p.rules, err = newTable[packet.ConnIdent, firewall.Rule](p, cfg, "fw_rules", RuleCapacity); err != nil {
		return err
	}
	if !cfg.NAT.Enabled || cfg.NAT.Mock {
		return nil
	}
	if p.translations, err = newTable[packet.ConnIdent, nat.Rule](p, cfg, "nat_dest", RuleCapacity); err != nil {
		return err
	}
	if p.conntrack, err = newTable[packet.ConnIdent, nat.ConnMeta](p, cfg, "nat_conn", cfg.NAT.Conntrack.Capacity); err != nil {
		return err
	}
	if p.natConfig, err = newTable[nat.ConfigKey, uint32](p, cfg, "nat_cfg", configTableCapacity); err != nil {
		return err
	}
	return nil
}

func (p *Pipeline) buildFirewall(cfg *config.Config) error {
	p.fwConfig = firewall.Config{
		DefaultPolicy: cfg.Firewall.DefaultPolicy,
		EmitUnmatched: cfg.Firewall.EmitUnmatched,
	}

	if cfg.Firewall.Mock {
		p.filter = firewall.MockAttachment{DefaultPolicy: cfg.Firewall.DefaultPolicy}
		return nil
	}

	ring, err := export.New(cfg.Firewall.Exporter.Backend, cfg.Firewall.Exporter.Capacity, cfg.Firewall.Exporter.Lanes)
	if err != nil {
		return fmt.Errorf("failed to create exporter: %w", err)
	}
	p.ring = ring

	if p.sink == nil {
		eventLogger := p.logger.Named("events")
		p.sink = export.SinkFunc(func(ev export.Event) {
			eventLogger.Info("observed packet", zap.Stringer("event", ev))
		})
	}
	p.transport = export.NewTransport(ring, p.sink, export.WithLogger(p.logger.Named("export")))

	fwOpts := []firewall.Option{firewall.WithLogger(p.logger.Named("firewall"))}
	if p.metrics != nil {
		fwOpts = append(fwOpts, firewall.WithMetrics(p.metrics))
	}
	engine := firewall.NewEngine(p.fwConfig, p.rules)
	p.fwConfig = engine.Config()
	p.attachment = firewall.NewAttachment(engine, ring, fwOpts...)
	p.filter = p.attachment
	return nil
}

func (p *Pipeline) buildNAT(cfg *config.Config) error {
	if !cfg.NAT.Enabled || cfg.NAT.Mock {
		p.classifier = nat.MockClassifier{}
		return nil
	}
	p.natEnabled = true

	local := cfg.NAT.LocalAddress
	if !local.IsValid() {
		addr, err := p.resolve(cfg.Interface)
		if err != nil {
			return fmt.Errorf("failed to resolve local address: %w", err)
		}
		local = addr
	}

	natLogger := p.logger.Named("nat")
	engineOpts := []nat.EngineOption{nat.WithLogger(natLogger)}
	epochOpts := []nat.EpochOption{nat.WithEpochLogger(natLogger)}
	cleanerOpts := []nat.CleanerOption{nat.WithCleanerLogger(natLogger)}
	if p.metrics != nil {
		engineOpts = append(engineOpts, nat.WithMetrics(p.metrics))
		epochOpts = append(epochOpts, nat.WithErrorCounter(p.metrics.EpochSyncErrors))
		cleanerOpts = append(cleanerOpts, nat.WithCleanerMetrics(p.metrics, cfg.Interface))
	}

	p.engine = nat.NewEngine(nat.Config{LocalAddr: local, TOSMark: cfg.NAT.TOSMark}, nat.Tables{
		Translations: p.translations,
		ConnTrack:    p.conntrack,
		Config:       p.natConfig,
	}, engineOpts...)
	p.classifier = p.engine

	p.epoch = nat.NewEpochSync(p.natConfig, epochOpts...)
	p.epochWindow = cfg.NAT.EpochWindow
	p.cleaner = nat.NewCleaner(p.conntrack, cfg.NAT.Conntrack.HighWaterMark, cleanerOpts...)
	p.cleanWindow = cfg.NAT.Conntrack.CleanupWindow

	natLogger.Info("nat engine created",
		zap.Stringer("local_addr", local),
		zap.Uint8("tos_mark", cfg.NAT.TOSMark),
		zap.Int("conntrack_capacity", cfg.NAT.Conntrack.Capacity))
	return nil
}

// Start runs the background workers: event transport, epoch syncer and
// conntrack cleaner. The epoch is written before Start returns.
func (p *Pipeline) Start(ctx context.Context) error {
	if p.transport != nil {
		p.transport.Start(ctx)
	}
	if p.epoch != nil {
		if err := p.epoch.Start(p.epochWindow); err != nil {
			return fmt.Errorf("failed to start epoch sync: %w", err)
		}
	}
	if p.cleaner != nil {
		if err := p.cleaner.Start(p.cleanWindow); err != nil {
			return fmt.Errorf("failed to start conntrack cleaner: %w", err)
		}
	}
	return nil
}

// Close stops the background workers, drains pending events and releases
// the tables.
func (p *Pipeline) Close() error {
	var errs []error

	if p.cleaner != nil {
		p.cleaner.Stop()
	}
	if p.epoch != nil {
		p.epoch.Stop()
	}
	if p.ring != nil {
		if err := p.ring.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close exporter: %w", err))
		}
		p.transport.Wait()
		p.transport.Stop()
	}
	if err := p.closeTables(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (p *Pipeline) closeTables() error {
	var errs []error
	for _, c := range p.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close table: %w", err))
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

// Ingress runs a frame entering the interface through the filter point and,
// when it passes, the NAT ingress point. It reports whether the frame is
// forwarded.
func (p *Pipeline) Ingress(lane int, frame []byte) bool {
	if p.filter.Handle(lane, frame) != firewall.VerdictPass {
		return false
	}
	return p.classifier.Ingress(frame) == nat.ActionOK
}

// Egress runs a frame leaving the interface through the NAT egress point.
func (p *Pipeline) Egress(frame []byte) bool {
	return p.classifier.Egress(frame) == nat.ActionOK
}

// Filter returns the filter point.
func (p *Pipeline) Filter() firewall.Filter {
	return p.filter
}

// Classifier returns the NAT classification points.
func (p *Pipeline) Classifier() nat.Classifier {
	return p.classifier
}

// Epoch runs one epoch sync. It is a no-op when NAT is disabled.
func (p *Pipeline) Epoch() error {
	if p.epoch == nil {
		return nil
	}
	return p.epoch.Sync()
}
