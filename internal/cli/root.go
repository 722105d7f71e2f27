// Package cli implements the schoolsync command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Gyimahp52/michael-school-portal-sub002/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	API        string // base URL of a running engine's local API
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "schoolsync",
		Short: "Offline-first sync engine for the school portal",
		Long: `schoolsync keeps the school portal's records in a local database and
synchronizes them with the remote store whenever the network allows.

Run "schoolsync serve" to start the engine and its local API. The other
commands talk to a running engine over that API.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (YAML, TOML or JSON)")
	cmd.PersistentFlags().StringVar(&opts.API, "api", "", "local API base URL (default: http://<http.addr> from config)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewDevRemoteCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewRecordsCommand(opts))
	cmd.AddCommand(NewConflictsCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// apiBase resolves the local API address. --api wins over http.addr.
func apiBase(opts *RootOptions) string {
	if opts.API != "" {
		return opts.API
	}
	cfg, err := config.Read(opts.ConfigPath)
	if err != nil || cfg.HTTP.Addr == "" {
		cfg = config.Default()
	}
	return "http://" + cfg.HTTP.Addr
}
