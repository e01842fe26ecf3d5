package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/keyholedb/keyhole/internal/engine"
)

// NewCountCommand creates the "count" command: number of stored keys.
func NewCountCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of stored keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, conn, cleanup, err := openDatabase(opts)
			if err != nil {
				return err
			}
			defer cleanup()

			var count int64
			err = conn.Read(context.Background(), func(tx *engine.Transaction) error {
				count, err = tx.Count()
				return err
			})
			if err != nil {
				return err
			}

			return printResult(cmd.OutOrStdout(), opts.Format, map[string]any{"count": count}, func(w io.Writer) {
				fmt.Fprintln(w, count)
			})
		},
	}
}
