package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/keyholedb/keyhole/internal/engine"
)

// NewDelCommand creates the "del" command: delete keys (or everything).
func NewDelCommand(opts *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "del [key...]",
		Short: "Delete keys, or the entire database with --all",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("specify at least one key or --all")
			}
			if all && len(args) > 0 {
				return fmt.Errorf("--all cannot be combined with explicit keys")
			}

			db, conn, cleanup, err := openDatabase(opts)
			if err != nil {
				return err
			}
			defer cleanup()

			err = conn.ReadWrite(context.Background(), func(tx *engine.Transaction) error {
				if all {
					return tx.DeleteAll()
				}
				return tx.DeleteKeys(args)
			})
			if err != nil {
				return err
			}

			result := map[string]any{"snapshot": db.Snapshot()}
			if all {
				result["deleted"] = "all"
			} else {
				result["deleted"] = args
			}
			return printResult(cmd.OutOrStdout(), opts.Format, result, func(w io.Writer) {
				fmt.Fprintf(w, "ok (snapshot %d)\n", db.Snapshot())
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "delete every key")
	return cmd
}
