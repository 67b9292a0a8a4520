package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/igjeong/edgeflow/config"
	"github.com/igjeong/edgeflow/nat"
)

func newValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration %s is valid\n", configPath)
			fmt.Fprintf(out, "  Interface:      %s\n", cfg.Interface)
			fmt.Fprintf(out, "  Store backend:  %s\n", cfg.Store.Backend)
			fmt.Fprintf(out, "  Default policy: %s\n", cfg.Firewall.DefaultPolicy)
			fmt.Fprintf(out, "  Firewall rules: %d\n", len(cfg.Firewall.Rules))
			for i, r := range cfg.Firewall.Rules {
				fmt.Fprintf(out, "    %d. %s -> %s (monitor: %t)\n", i+1, r.Dest.Wildcard(), r.Policy, r.MonitorTraffic(cfg.Firewall.MonitorDefault))
			}
			if cfg.NAT.Enabled {
				fmt.Fprintf(out, "  Translations:   %d\n", len(cfg.NAT.Translations))
				for i, tr := range cfg.NAT.Translations {
					target := tr.TranslateTo.String()
					if tr.RedirectTo == nat.RedirectToInterface {
						target = "interface " + cfg.Interface
					}
					fmt.Fprintf(out, "    %d. %s -> %s\n", i+1, tr.Dest, target)
				}
			} else {
				fmt.Fprintf(out, "  NAT:            disabled\n")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "edgeflow.yaml", "Path to configuration file")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
