package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/trymwestin/dailyconnect/internal/httpapi"
)

func newSnapshotCmd(configPath *string) *cobra.Command {
	var redact bool

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Run one update and print the snapshot",
		Long:  "Run a single polling cycle and print the resulting snapshot as JSON.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			snap, err := a.coord.Refresh(cmd.Context())
			if err != nil {
				return err
			}

			var v any = snap
			if redact {
				v = httpapi.Redact(snap)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(v)
		},
	}

	cmd.Flags().BoolVar(&redact, "redact", false, "Mask ids and credentials in the output")

	return cmd
}
