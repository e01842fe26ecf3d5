package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewSnapshotCommand creates the "snapshot" command: print the current
// snapshot number.
func NewSnapshotCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Print the database's current snapshot number",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, cleanup, err := openDatabase(opts)
			if err != nil {
				return err
			}
			defer cleanup()

			snapshot := db.Snapshot()
			return printResult(cmd.OutOrStdout(), opts.Format, map[string]any{"snapshot": snapshot}, func(w io.Writer) {
				fmt.Fprintln(w, snapshot)
			})
		},
	}
}
