package ipc

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/igjeong/edgeflow/nat"
	"github.com/igjeong/edgeflow/pipeline"
)

// StatusResponse contains the current status of a pipeline.
type StatusResponse struct {
	Running         bool                 `json:"running"`
	Uptime          time.Duration        `json:"uptime"`
	UptimeStr       string               `json:"uptime_str"`
	Interface       string               `json:"interface"`
	DefaultPolicy   string               `json:"default_policy"`
	ExporterBackend string               `json:"exporter_backend,omitempty"`
	Attachments     pipeline.Attachments `json:"attachments"`
	Firewall        FirewallStatus       `json:"firewall"`
	NATEnabled      bool                 `json:"nat_enabled"`
	NAT             NATStatus            `json:"nat"`
	Epoch           uint32               `json:"epoch"`
	ActiveConns     int                  `json:"active_connections"`
	ConnCapacity    int                  `json:"connection_capacity"`
	Connections     []ConnectionInfo     `json:"connections,omitempty"`
	Error           string               `json:"error,omitempty"`
}

// FirewallStatus holds filter point counters.
type FirewallStatus struct {
	Passed         uint64 `json:"passed"`
	Dropped        uint64 `json:"dropped"`
	EventsEmitted  uint64 `json:"events_emitted"`
	EventsRejected uint64 `json:"events_rejected"`
}

// NATStatus holds NAT classification point counters.
type NATStatus struct {
	IngressTranslated  uint64 `json:"ingress_translated"`
	IngressPassthrough uint64 `json:"ingress_passthrough"`
	IngressShot        uint64 `json:"ingress_shot"`
	EgressTranslated   uint64 `json:"egress_translated"`
	EgressPassthrough  uint64 `json:"egress_passthrough"`
	TrackerErrors      uint64 `json:"tracker_errors"`
	MissingEpoch       uint64 `json:"missing_epoch"`
}

// ConnectionInfo represents a single tracked connection.
type ConnectionInfo = nat.ConnectionInfo

// StatusSource is implemented by *pipeline.Pipeline.
type StatusSource interface {
	Stats() pipeline.Stats
	Connections() ([]nat.ConnectionInfo, error)
}

// NewStatusFunc reports the status of src.
func NewStatusFunc(src StatusSource, logger *zap.Logger) StatusFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(withConnections bool) *StatusResponse {
		resp := statusFromStats(src.Stats())
		if !withConnections {
			return resp
		}

		conns, err := src.Connections()
		if err != nil {
			logger.Warn("failed to list connections", zap.Error(err))
			resp.Error = fmt.Sprintf("failed to list connections: %v", err)
			return resp
		}
		resp.Connections = conns
		return resp
	}
}

func statusFromStats(s pipeline.Stats) *StatusResponse {
	return &StatusResponse{
		Running:         true,
		Uptime:          s.Uptime,
		UptimeStr:       FormatDuration(s.Uptime),
		Interface:       s.Interface,
		DefaultPolicy:   s.DefaultPolicy.String(),
		ExporterBackend: string(s.ExporterBackend),
		Attachments:     s.Attachments,
		Firewall: FirewallStatus{
			Passed:         s.Firewall.Passed,
			Dropped:        s.Firewall.Dropped,
			EventsEmitted:  s.Firewall.EventsEmitted,
			EventsRejected: s.Firewall.EventsRejected,
		},
		NATEnabled: s.NATEnabled,
		NAT: NATStatus{
			IngressTranslated:  s.NAT.IngressTranslated,
			IngressPassthrough: s.NAT.IngressPassthrough,
			IngressShot:        s.NAT.IngressShot,
			EgressTranslated:   s.NAT.EgressTranslated,
			EgressPassthrough:  s.NAT.EgressPassthrough,
			TrackerErrors:      s.NAT.TrackerErrors,
			MissingEpoch:       s.NAT.MissingEpoch,
		},
		Epoch:        s.Epoch,
		ActiveConns:  s.Tracked,
		ConnCapacity: s.Capacity,
	}
}

// FormatDuration renders d as "1h 2m 3s".
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
