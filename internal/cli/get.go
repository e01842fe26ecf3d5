package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/keyholedb/keyhole/internal/engine"
)

// NewGetCommand creates the "get" command: read one key.
func NewGetCommand(opts *RootOptions) *cobra.Command {
	var withMetadata bool

	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Read the value stored under a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]

			_, conn, cleanup, err := openDatabase(opts)
			if err != nil {
				return err
			}
			defer cleanup()

			var value, metadata []byte
			var found bool
			err = conn.Read(context.Background(), func(tx *engine.Transaction) error {
				if withMetadata {
					value, metadata, found, err = tx.Row(key)
					return err
				}
				value, found, err = tx.Value(key)
				return err
			})
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("key %q not found", key)
			}

			result := map[string]any{"key": key, "value": string(value)}
			if withMetadata {
				result["metadata"] = string(metadata)
			}
			return printResult(cmd.OutOrStdout(), opts.Format, result, func(w io.Writer) {
				fmt.Fprintln(w, string(value))
				if withMetadata && len(metadata) > 0 {
					fmt.Fprintf(w, "metadata: %s\n", metadata)
				}
			})
		},
	}

	cmd.Flags().BoolVar(&withMetadata, "metadata", false, "also print the metadata blob")
	return cmd
}
