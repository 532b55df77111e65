package main

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/gatewayshift/orchestrator/pkg/api"
	"github.com/gatewayshift/orchestrator/pkg/lock"
	"github.com/gatewayshift/orchestrator/pkg/migration"
	"github.com/gatewayshift/orchestrator/pkg/orchestrator"
)

func newMigrationsCmd() *cobra.Command {
	var (
		stages []string
		active bool
		risk   string
		stats  bool
	)
	cmd := &cobra.Command{
		Use:   "migrations",
		Short: "List migrations",
		Example: `  migratectl migrations --stage CANARY --active
  migratectl migrations --stage MIRRORING,CANARY_25 --risk HIGH
  migratectl migrations --stats --active`,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			for _, s := range stages {
				q.Add("stage", s)
			}
			if active {
				q.Set("activeOnly", strconv.FormatBool(active))
			}
			setIf(q, "riskLevel", risk)

			if stats {
				return printStats(cmd, q)
			}
			path := apiPath("migrations")
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			var page api.ListResponse[migration.Record]
			if err := newClient().getJSON(cmd.Context(), path, &page); err != nil {
				return fmt.Errorf("failed to list migrations: %w", err)
			}
			out := cmd.OutOrStdout()
			if structured() {
				return printOutput(out, page)
			}
			rows := make([][]string, 0, len(page.Items))
			for _, m := range page.Items {
				rows = append(rows, []string{
					m.APIID,
					itoa(m.Attempt),
					m.Status().String(),
					itoa(m.TrafficPercent) + "%",
					string(m.RiskLevel),
					m.UpdatedBy,
					formatTime(m.UpdatedAt),
				})
			}
			printTable(out, []string{"API", "Attempt", "Status", "Traffic", "Risk", "Updated By", "Updated"}, rows)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&stages, "stage", nil, "Only these stages or statuses, e.g. CANARY or CANARY_25 (repeatable)")
	f.BoolVar(&active, "active", false, "Only non-terminal migrations")
	f.StringVar(&risk, "risk", "", "Only migrations at this risk level")
	f.BoolVar(&stats, "stats", false, "Print counts per status instead of the records")
	return cmd
}

func printStats(cmd *cobra.Command, q url.Values) error {
	path := apiPath("migrations:stats")
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var st migration.Stats
	if err := newClient().getJSON(cmd.Context(), path, &st); err != nil {
		return fmt.Errorf("failed to count migrations: %w", err)
	}
	out := cmd.OutOrStdout()
	if structured() {
		return printOutput(out, st)
	}
	rows := make([][]string, 0, len(st.ByStatus))
	for _, c := range st.ByStatus {
		rows = append(rows, []string{c.Status, strconv.FormatInt(c.Count, 10)})
	}
	printTable(out, []string{"Status", "Count"}, rows)
	fmt.Fprintf(out, "\n%d migrations, %d active\n", st.Total, st.Active)
	return nil
}

func newLocksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect and break per-API migration locks",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List live locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			var page api.ListResponse[lock.Lease]
			if err := newClient().getJSON(cmd.Context(), apiPath("locks"), &page); err != nil {
				return fmt.Errorf("failed to list locks: %w", err)
			}
			out := cmd.OutOrStdout()
			if structured() {
				return printOutput(out, page)
			}
			rows := make([][]string, 0, len(page.Items))
			for _, l := range page.Items {
				rows = append(rows, []string{
					l.Key,
					l.Holder,
					strconv.FormatInt(l.Token, 10),
					formatTime(l.AcquiredAt),
					formatTime(l.ExpiresAt),
				})
			}
			printTable(out, []string{"Key", "Holder", "Token", "Acquired", "Expires"}, rows)
			return nil
		},
	}

	unlock := &cobra.Command{
		Use:   "unlock <api-id>",
		Short: "Force-release the lock of an API (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res orchestrator.UnlockResult
			if err := newClient().deleteJSON(cmd.Context(), apiPath("locks", args[0]), &res); err != nil {
				return fmt.Errorf("failed to unlock: %w", err)
			}
			out := cmd.OutOrStdout()
			if structured() {
				return printOutput(out, res)
			}
			if res.Displaced == nil {
				fmt.Fprintf(out, "%s was not locked\n", args[0])
				return nil
			}
			fmt.Fprintf(out, "released lock of %s held by %s (token %d)\n", args[0], res.Displaced.Holder, res.Displaced.Token)
			return nil
		},
	}

	cmd.AddCommand(list, unlock)
	return cmd
}
