// Package config handles parsing and validation of edgeflow configuration files.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/igjeong/edgeflow/export"
	"github.com/igjeong/edgeflow/firewall"
	"github.com/igjeong/edgeflow/logging"
	"github.com/igjeong/edgeflow/nat"
	"github.com/igjeong/edgeflow/packet"
	"github.com/igjeong/edgeflow/store"
)

// DefaultIPCAddr is the status server address used when none is configured.
const DefaultIPCAddr = "127.0.0.1:47848"

// Config holds the complete configuration for edgeflow.
type Config struct {
	Interface string         `mapstructure:"interface"`
	Store     StoreConfig    `mapstructure:"store"`
	Firewall  FirewallConfig `mapstructure:"firewall"`
	NAT       NATConfig      `mapstructure:"nat"`
	Logging   logging.Config `mapstructure:"logging"`
	IPC       IPCConfig      `mapstructure:"ipc"`
	Metrics   MetricsConfig  `mapstructure:"metrics"`
}

// StoreConfig selects the table backend shared by all tables.
type StoreConfig struct {
	Backend store.Backend `mapstructure:"backend"`
	Shards  int           `mapstructure:"shards"`
}

// FirewallConfig configures the filter point.
type FirewallConfig struct {
	DefaultPolicy  firewall.Verdict `mapstructure:"default_policy"`
	EmitUnmatched  bool             `mapstructure:"emit_unmatched"`
	MonitorDefault bool             `mapstructure:"monitor_default"`
	Mock           bool             `mapstructure:"mock"`
	Exporter       ExporterConfig   `mapstructure:"exporter"`
	Rules          []FirewallRule   `mapstructure:"rules"`
}

// ExporterConfig configures the event ring.
type ExporterConfig struct {
	Backend  export.Backend `mapstructure:"backend"`
	Capacity int            `mapstructure:"capacity"`
	// Lanes is the number of per-lane rings, 0 means one per CPU.
	Lanes int `mapstructure:"lanes"`
}

// FirewallRule matches a destination port and protocol. The address part of
// Dest is ignored by the filter point.
type FirewallRule struct {
	Dest    packet.ConnIdent `mapstructure:"dest"`
	Policy  firewall.Verdict `mapstructure:"policy"`
	Monitor *bool            `mapstructure:"monitor"`
}

// MonitorTraffic reports whether matches emit events, falling back to
// defaultValue when the rule does not say.
func (r FirewallRule) MonitorTraffic(defaultValue bool) bool {
	if r.Monitor == nil {
		return defaultValue
	}
	return *r.Monitor
}

// NATConfig configures the NAT classification points.
type NATConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Mock    bool `mapstructure:"mock"`
	// LocalAddress is resolved from the interface when unset.
	LocalAddress netip.Addr      `mapstructure:"local_address"`
	TOSMark      uint8           `mapstructure:"tos_mark"`
	EpochWindow  time.Duration   `mapstructure:"epoch_window"`
	Conntrack    ConntrackConfig `mapstructure:"conntrack"`
	Translations []Translation   `mapstructure:"translations"`
}

// ConntrackConfig sizes the connection tracking table and its cleaner.
type ConntrackConfig struct {
	Capacity      int           `mapstructure:"capacity"`
	HighWaterMark float64       `mapstructure:"high_water_mark"`
	CleanupWindow time.Duration `mapstructure:"cleanup_window"`
}

// Translation redirects a destination to another address.
type Translation struct {
	Dest        packet.ConnIdent   `mapstructure:"dest"`
	RedirectTo  nat.RedirectTarget `mapstructure:"redirect_to"`
	TranslateTo netip.Addr         `mapstructure:"translate_to"`
}

// IPCConfig configures the status server. An empty address disables it.
type IPCConfig struct {
	Addr string `mapstructure:"addr"`
}

// MetricsConfig configures the Prometheus endpoint. An empty address
// disables it.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// Default returns the configuration used for keys a document leaves out.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Backend: store.BackendMemory,
			Shards:  store.DefaultShards,
		},
		Firewall: FirewallConfig{
			DefaultPolicy: firewall.VerdictDrop,
			Exporter: ExporterConfig{
				Backend:  export.BackendSharedRing,
				Capacity: export.DefaultCapacity,
			},
		},
		NAT: NATConfig{
			Enabled:     true,
			EpochWindow: nat.DefaultEpochSyncWindow,
			Conntrack: ConntrackConfig{
				Capacity:      1024,
				HighWaterMark: nat.DefaultHighWaterMark,
				CleanupWindow: nat.DefaultCleanupWindow,
			},
		},
		Logging: logging.Config{Level: "info"},
		IPC:     IPCConfig{Addr: DefaultIPCAddr},
	}
}

// Load reads and parses a configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML data on top of Default.
func Parse(data []byte) (*Config, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg := Default()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.TextUnmarshallerHookFunc(),
		),
		ErrorUnused: true,
		Result:      cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(doc); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	return cfg, nil
}

// Validate performs cross-field validation on the configuration.
func (c *Config) Validate() error {
	if c.Interface == "" {
		return fmt.Errorf("interface is required")
	}
	if c.Store.Shards < 0 {
		return fmt.Errorf("store.shards must not be negative: %d", c.Store.Shards)
	}

	if err := c.Firewall.validate(); err != nil {
		return fmt.Errorf("firewall: %w", err)
	}
	if c.NAT.Enabled {
		if err := c.NAT.validate(); err != nil {
			return fmt.Errorf("nat: %w", err)
		}
	}

	return nil
}

func (f *FirewallConfig) validate() error {
	if f.DefaultPolicy != firewall.VerdictDrop && f.DefaultPolicy != firewall.VerdictPass {
		return fmt.Errorf("invalid default_policy %q", f.DefaultPolicy)
	}
	if f.Exporter.Capacity <= 0 {
		return fmt.Errorf("exporter capacity must be positive: %d", f.Exporter.Capacity)
	}
	if f.Exporter.Lanes < 0 {
		return fmt.Errorf("exporter lanes must not be negative: %d", f.Exporter.Lanes)
	}

	seen := make(map[packet.ConnIdent]struct{}, len(f.Rules))
	for i, rule := range f.Rules {
		if rule.Dest.Port == 0 || rule.Dest.Transport == packet.TransportUnknown {
			return fmt.Errorf("rule %d: dest %q needs a port and protocol", i, rule.Dest)
		}
		if rule.Policy != firewall.VerdictDrop && rule.Policy != firewall.VerdictPass {
			return fmt.Errorf("rule %d (%s): invalid policy %q", i, rule.Dest, rule.Policy)
		}

		key := rule.Dest.Wildcard()
		if _, ok := seen[key]; ok {
			return fmt.Errorf("rule %d: duplicate rule for %s", i, key)
		}
		seen[key] = struct{}{}
	}

	return nil
}

func (n *NATConfig) validate() error {
	if n.LocalAddress.IsValid() && !n.LocalAddress.Is4() {
		return fmt.Errorf("local_address must be IPv4: %s", n.LocalAddress)
	}
	if n.EpochWindow <= 0 {
		return fmt.Errorf("epoch_window must be positive: %s", n.EpochWindow)
	}
	if n.Conntrack.Capacity < 0 {
		return fmt.Errorf("conntrack capacity must not be negative: %d", n.Conntrack.Capacity)
	}
	if n.Conntrack.HighWaterMark < 0 || n.Conntrack.HighWaterMark > 1 {
		return fmt.Errorf("conntrack high_water_mark must be within [0, 1]: %v", n.Conntrack.HighWaterMark)
	}
	if n.Conntrack.CleanupWindow <= 0 {
		return fmt.Errorf("conntrack cleanup_window must be positive: %s", n.Conntrack.CleanupWindow)
	}

	seen := make(map[packet.ConnIdent]struct{}, len(n.Translations))
	for i, tr := range n.Translations {
		if tr.Dest.Port == 0 || tr.Dest.Transport == packet.TransportUnknown {
			return fmt.Errorf("translation %d: dest %q needs a port and protocol", i, tr.Dest)
		}
		if _, ok := seen[tr.Dest]; ok {
			return fmt.Errorf("translation %d: duplicate translation for %s", i, tr.Dest)
		}
		seen[tr.Dest] = struct{}{}

		switch tr.RedirectTo {
		case nat.RedirectToIP, "":
			if !tr.TranslateTo.Is4() {
				return fmt.Errorf("translation %d (%s): translate_to must be an IPv4 address", i, tr.Dest)
			}
		case nat.RedirectToInterface:
		default:
			return fmt.Errorf("translation %d (%s): invalid redirect_to %q", i, tr.Dest, tr.RedirectTo)
		}
	}

	return nil
}
