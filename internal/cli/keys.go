package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/keyholedb/keyhole/internal/engine"
)

// NewKeysCommand creates the "keys" command: list every key.
func NewKeysCommand(opts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "keys",
		Short: "List keys in ascending order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, conn, cleanup, err := openDatabase(opts)
			if err != nil {
				return err
			}
			defer cleanup()

			var keys []string
			err = conn.Read(context.Background(), func(tx *engine.Transaction) error {
				return tx.EnumerateKeys(func(key string) error {
					keys = append(keys, key)
					if limit > 0 && len(keys) >= limit {
						return engine.ErrStopEnumeration
					}
					return nil
				})
			})
			if err != nil {
				return err
			}

			return printResult(cmd.OutOrStdout(), opts.Format, map[string]any{"keys": keys}, func(w io.Writer) {
				for _, key := range keys {
					fmt.Fprintln(w, key)
				}
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many keys (0 = no limit)")
	return cmd
}
