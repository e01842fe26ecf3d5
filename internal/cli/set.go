package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/keyholedb/keyhole/internal/engine"
)

// NewSetCommand creates the "set" command: write one key.
func NewSetCommand(opts *RootOptions) *cobra.Command {
	var metadata string

	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a value under a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]

			db, conn, cleanup, err := openDatabase(opts)
			if err != nil {
				return err
			}
			defer cleanup()

			var meta []byte
			if metadata != "" {
				meta = []byte(metadata)
			}
			err = conn.ReadWrite(context.Background(), func(tx *engine.Transaction) error {
				return tx.Set(key, []byte(value), meta)
			})
			if err != nil {
				return err
			}

			result := map[string]any{"key": key, "snapshot": db.Snapshot()}
			return printResult(cmd.OutOrStdout(), opts.Format, result, func(w io.Writer) {
				fmt.Fprintf(w, "ok (snapshot %d)\n", db.Snapshot())
			})
		},
	}

	cmd.Flags().StringVar(&metadata, "metadata", "", "metadata blob to store alongside the value")
	return cmd
}
