package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditListCmd)

	f := auditListCmd.Flags()
	f.String("type", "", "Only show events of this type (e.g. device.enroll, policy.revoke)")
	f.Duration("since", 0, "Only show events newer than this long ago (e.g. 24h)")
	f.String("cursor", "", "Resume listing after this cursor")
	f.Int("limit", 0, "Maximum number of events to return")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the server's audit trail",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit events, newest first",
	Example: `  verdictctl audit list --since 24h
  verdictctl audit list --type device.state -o json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		eventType, _ := f.GetString("type")
		sinceAgo, _ := f.GetDuration("since")
		cursor, _ := f.GetString("cursor")
		limit, _ := f.GetInt("limit")

		var since time.Time
		if sinceAgo > 0 {
			since = time.Now().Add(-sinceAgo)
		}

		res, err := newClient().ListAudit(cmd.Context(), eventType, since, cursor, limit)
		if err != nil {
			return err
		}
		events := res.Data.Audit

		if outputFormat != "table" {
			if events == nil {
				events = []auditResponse{}
			}
			return formatOutput(events)
		}

		if len(events) == 0 {
			fmt.Fprintln(stdout, "No audit events.")
			return nil
		}
		printAudit(events)
		printNext(cmd.CommandPath(), res.Next)
		return nil
	},
}
