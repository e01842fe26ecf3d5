package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewCheckpointCommand creates the "checkpoint" command: force a WAL
// checkpoint now instead of waiting for the background floor advance.
func NewCheckpointCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Checkpoint the write-ahead log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, cleanup, err := openDatabase(opts)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := db.Checkpoint(context.Background()); err != nil {
				return err
			}

			result := map[string]any{"checkpointed": true, "snapshot": db.Snapshot()}
			return printResult(cmd.OutOrStdout(), opts.Format, result, func(w io.Writer) {
				fmt.Fprintf(w, "ok (snapshot %d)\n", db.Snapshot())
			})
		},
	}
}
