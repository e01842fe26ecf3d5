package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/keyholedb/keyhole/internal/engine"
)

// NewChangesetsCommand creates the "changesets" command: list the retained
// changesets after a given snapshot, the same view an observer reconciling
// with ChangesetsSince would get.
func NewChangesetsCommand(opts *RootOptions) *cobra.Command {
	var since uint64

	cmd := &cobra.Command{
		Use:   "changesets",
		Short: "List retained changesets newer than a snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, cleanup, err := openDatabase(opts)
			if err != nil {
				return err
			}
			defer cleanup()

			changesets := db.ChangesetsSince(since, db.Snapshot())

			payloads := make([]map[string]any, 0, len(changesets))
			for _, cs := range changesets {
				payload, err := engine.CommitNotification{
					Snapshot: cs.Snapshot,
					External: cs.External,
				}.CanonicalJSON()
				if err != nil {
					return err
				}
				payloads = append(payloads, map[string]any{
					"snapshot": cs.Snapshot,
					"payload":  string(payload),
				})
			}

			return printResult(cmd.OutOrStdout(), opts.Format, payloads, func(w io.Writer) {
				if len(changesets) == 0 {
					fmt.Fprintln(w, "no retained changesets")
					return
				}
				for _, p := range payloads {
					fmt.Fprint(w, p["payload"])
				}
			})
		},
	}

	cmd.Flags().Uint64Var(&since, "since", 0, "list changesets with snapshot > this value")
	return cmd
}
