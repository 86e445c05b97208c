package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/trymwestin/dailyconnect/internal/core/api"
)

func newCheckCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify credentials and list children",
		Long:  "Log in once, fetch the account's user info and print the children it lists.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if _, err := a.session.Login(ctx); err != nil {
				return fmt.Errorf("login: %w", err)
			}
			info, err := a.client.UserInfo(ctx)
			if err != nil {
				return fmt.Errorf("user info: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "account %s: login ok\n", api.String(info["Id"]))
			kids, _ := info["myKids"].([]any)
			if len(kids) == 0 {
				fmt.Fprintln(out, "no children listed")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME")
			for _, raw := range kids {
				kid, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\n", api.String(kid["Id"]), api.String(kid["Name"]))
			}
			return w.Flush()
		},
	}
}
