package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-souliss/internal/bridges/souliss"
	"github.com/nerrad567/gray-logic-souliss/internal/infrastructure/config"
)

type discoverFlags struct {
	timeout   time.Duration
	localPort int
	targets   []string
	asJSON    bool
}

// newDiscoverCommand broadcasts one discovery request and prints the
// gateways that answered. A missing config file is not an error; the
// defaults are used instead.
func newDiscoverCommand(configPath *string) *cobra.Command {
	var flags discoverFlags

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find Souliss gateways on the local networks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfigOrDefault(resolveConfigPath(*configPath))
			if err != nil {
				return err
			}

			dc, err := discoverSettings(&cfg.Souliss, flags)
			if err != nil {
				return err
			}

			events, err := souliss.NewDiscovery(dc).Run(cmd.Context(), nil)
			if err != nil {
				return fmt.Errorf("discovery: %w", err)
			}

			found := make([]souliss.DiscoveredGateway, 0, len(events))
			for _, ev := range events {
				found = append(found, souliss.DiscoveredGateway{Address: ev.IP.String(), Octet: int(ev.NodeOctet)})
			}
			return printDiscovered(cmd, found, flags.asJSON)
		},
	}

	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "how long to wait for replies (default from config)")
	cmd.Flags().IntVar(&flags.localPort, "local-port", 0, "UDP port to receive replies on (0 is ephemeral)")
	cmd.Flags().StringSliceVar(&flags.targets, "target", nil, "broadcast address to send to (repeatable)")
	cmd.Flags().BoolVar(&flags.asJSON, "json", false, "print results as JSON")

	return cmd
}

// discoverSettings merges command flags over the configured discovery
// section.
func discoverSettings(s *config.SoulissConfig, flags discoverFlags) (souliss.DiscoveryConfig, error) {
	dc := discoveryConfig(s)
	if flags.timeout > 0 {
		dc.Timeout = flags.timeout
	}
	if flags.localPort != 0 {
		dc.LocalPort = flags.localPort
	}
	if len(flags.targets) > 0 {
		dc.Targets = nil
		for _, t := range flags.targets {
			ip := net.ParseIP(t)
			if ip == nil || ip.To4() == nil {
				return souliss.DiscoveryConfig{}, fmt.Errorf("target %q is not an IPv4 address", t)
			}
			dc.Targets = append(dc.Targets, ip)
		}
	}
	return dc, nil
}

func printDiscovered(cmd *cobra.Command, found []souliss.DiscoveredGateway, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"gateways": found, "count": len(found)})
	}

	if len(found) == 0 {
		fmt.Fprintln(out, "no gateways answered")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tOCTET")
	for _, g := range found {
		fmt.Fprintf(tw, "%s\t%d\n", g.Address, g.Octet)
	}
	return tw.Flush()
}

// loadConfigOrDefault loads path, falling back to defaults when the file
// does not exist.
func loadConfigOrDefault(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, fmt.Errorf("loading config: %w", err)
}
