// Gray Logic Souliss Bridge
//
// soulissbridge connects Souliss gateways (vNet over UDP, MaCaCo
// operations) to the Gray Logic MQTT topic scheme. It keeps a per-gateway
// slot registry fed by subscriptions, translates commands into force
// frames, persists what it learns to SQLite and serves a small HTTP status
// API with a live WebSocket feed.
//
// Subcommands:
//   - run (default): start the bridge
//   - discover: broadcast a gateway discovery request and list replies
//   - trace: dump a recorded datagram trace file
//   - migrate: apply, inspect or roll back the database schema
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCommand builds the command tree. Running the root command without
// a subcommand starts the bridge.
func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "soulissbridge",
		Short:         "Bridge Souliss gateways to Gray Logic over MQTT",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), resolveConfigPath(configPath))
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"configuration file (default $GRAYLOGIC_CONFIG or "+defaultConfigPath+")")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Start the bridge",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), resolveConfigPath(configPath))
			},
		},
		newDiscoverCommand(&configPath),
		newTraceCommand(),
		newMigrateCommand(&configPath),
	)

	return root
}

// resolveConfigPath returns the flag value, then GRAYLOGIC_CONFIG, then
// the default path.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
