package pipeline

import (
	"time"

	"github.com/igjeong/edgeflow/export"
	"github.com/igjeong/edgeflow/firewall"
	"github.com/igjeong/edgeflow/nat"
)

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Interface       string
	Uptime          time.Duration
	DefaultPolicy   firewall.Verdict
	ExporterBackend export.Backend
	Attachments     Attachments
	Firewall        firewall.Stats
	NATEnabled      bool
	NAT             nat.Stats
	Epoch           uint32
	// Tracked is the number of connection tracking entries, Capacity the
	// table size (0 = unbounded).
	Tracked  int
	Capacity int
}

// Stats returns the current counters.
func (p *Pipeline) Stats() Stats {
	s := Stats{
		Interface:     p.iface,
		Uptime:        time.Since(p.started),
		DefaultPolicy: p.fwConfig.DefaultPolicy,
		Attachments:   p.attachments,
		NATEnabled:    p.natEnabled,
	}
	if p.ring != nil {
		s.ExporterBackend = p.ring.Backend()
	}
	if p.attachment != nil {
		s.Firewall = p.attachment.Stats()
	}
	if p.engine != nil {
		s.NAT = p.engine.Stats()
		s.Tracked = p.engine.Tracker().Count()
		s.Capacity = p.engine.Tracker().Cap()
		if epoch, ok := nat.NewEpochConfig(p.natConfig).Current(); ok {
			s.Epoch = epoch
		}
	}
	return s
}

// Connections returns the tracked connections. It is empty when NAT is
// disabled.
func (p *Pipeline) Connections() ([]nat.ConnectionInfo, error) {
	if p.engine == nil {
		return nil, nil
	}
	return p.engine.Tracker().Connections()
}
