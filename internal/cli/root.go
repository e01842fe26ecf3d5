// Package cli implements the keyhole command line interface.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/keyholedb/keyhole/internal/config"
	"github.com/keyholedb/keyhole/internal/engine"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	DBPath     string
	ConfigPath string
	Verbose    bool
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the keyhole CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "keyhole",
		Short: "keyhole - embedded snapshot-isolated key/value store",
		Long: "An embedded key/value store with snapshot isolation: one writer,\n" +
			"many concurrent readers, each with a private consistent view.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			level := slog.LevelWarn
			if opts.Verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "path to the database file (required)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to a YAML options file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	// Add subcommands
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewSetCommand(opts))
	cmd.AddCommand(NewDelCommand(opts))
	cmd.AddCommand(NewKeysCommand(opts))
	cmd.AddCommand(NewCountCommand(opts))
	cmd.AddCommand(NewSnapshotCommand(opts))
	cmd.AddCommand(NewChangesetsCommand(opts))
	cmd.AddCommand(NewCheckpointCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// openDatabase opens the database named by the global flags and returns it
// with one connection. The returned cleanup closes both.
func openDatabase(opts *RootOptions) (*engine.DB, *engine.Connection, func(), error) {
	if opts.DBPath == "" {
		return nil, nil, nil, fmt.Errorf("--db is required")
	}

	options := config.DefaultOptions()
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return nil, nil, nil, err
		}
		options = loaded
	}

	db, err := engine.Open(opts.DBPath, options)
	if err != nil {
		return nil, nil, nil, err
	}

	conn, err := db.NewConnection(context.Background())
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}

	cleanup := func() {
		conn.Close()
		db.Close()
	}
	return db, conn, cleanup, nil
}
