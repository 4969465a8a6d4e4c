package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"admitguard/internal/logging"
)

func newCheckConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate a config file and print the effective admission policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			cfg := mgr.Get()
			gate, err := buildGate(cfg, logging.Discard(), nil, nil)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, name := range gate.PresetNames() {
				p, _ := gate.Preset(name)
				fmt.Fprintf(out, "preset %-10s window=%s capacity=%d\n", name, p.Window, p.Capacity)
			}
			for status, n := range cfg.Spike.Thresholds {
				fmt.Fprintf(out, "spike  %-10d threshold=%d\n", status, n)
			}
			fmt.Fprintln(out, "config ok")
			return nil
		},
	}
}
