package pipeline

import (
	"errors"
	"fmt"
	"net/netip"

	"go.uber.org/zap"

	"github.com/igjeong/edgeflow/config"
	"github.com/igjeong/edgeflow/firewall"
	"github.com/igjeong/edgeflow/nat"
	"github.com/igjeong/edgeflow/packet"
	"github.com/igjeong/edgeflow/store"
)

// Sync provisions the rule and translation tables from cfg. Only the
// difference to the current contents is written.
func (p *Pipeline) Sync(cfg *config.Config) error {
	p.syncMu.Lock()
	defer p.syncMu.Unlock()

	var errs []error

	res, err := store.Sync(p.rules, firewallRules(&cfg.Firewall))
	if err != nil {
		errs = append(errs, fmt.Errorf("firewall rules: %w", err))
	}
	p.logger.Info("synchronized firewall rules",
		zap.Int("added", res.Added),
		zap.Int("updated", res.Updated),
		zap.Int("removed", res.Removed))

	if p.natEnabled {
		desired, err := p.translationRules(cfg)
		if err != nil {
			errs = append(errs, err)
		} else {
			res, err := store.Sync(p.translations, desired)
			if err != nil {
				errs = append(errs, fmt.Errorf("nat translations: %w", err))
			}
			p.logger.Info("synchronized nat translations",
				zap.Int("added", res.Added),
				zap.Int("updated", res.Updated),
				zap.Int("removed", res.Removed))
		}
	}

	return errors.Join(errs...)
}

// Reload validates cfg and provisions the tables from it. Deployment values
// that differ from the running pipeline are ignored.
func (p *Pipeline) Reload(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Interface != p.iface {
		p.logger.Warn("ignoring interface change on reload", zap.String("new_interface", cfg.Interface))
	}
	if cfg.Firewall.DefaultPolicy != p.fwConfig.DefaultPolicy || cfg.Firewall.EmitUnmatched != p.fwConfig.EmitUnmatched {
		p.logger.Warn("firewall policy changes require a restart")
	}
	return p.Sync(cfg)
}

func firewallRules(cfg *config.FirewallConfig) map[packet.ConnIdent]firewall.Rule {
	rules := make(map[packet.ConnIdent]firewall.Rule, len(cfg.Rules))
	for _, r := range cfg.Rules {
		rules[r.Dest.Wildcard()] = firewall.Rule{
			Policy:  r.Policy,
			Monitor: r.MonitorTraffic(cfg.MonitorDefault),
		}
	}
	return rules
}

func (p *Pipeline) translationRules(cfg *config.Config) (map[packet.ConnIdent]nat.Rule, error) {
	rules := make(map[packet.ConnIdent]nat.Rule, len(cfg.NAT.Translations))

	var ifaceAddr netip.Addr
	for _, tr := range cfg.NAT.Translations {
		target := tr.TranslateTo
		if tr.RedirectTo == nat.RedirectToInterface {
			if !ifaceAddr.IsValid() {
				addr, err := p.resolve(p.iface)
				if err != nil {
					return nil, fmt.Errorf("translation %s: failed to resolve interface address: %w", tr.Dest, err)
				}
				ifaceAddr = addr
			}
			target = ifaceAddr
		}
		if !target.Is4() {
			return nil, fmt.Errorf("translation %s: target %s is not IPv4", tr.Dest, target)
		}
		rules[tr.Dest] = nat.Rule{TargetIP: packet.AddrToUint32(target)}
	}

	return rules, nil
}
