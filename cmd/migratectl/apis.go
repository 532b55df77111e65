package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gatewayshift/orchestrator/pkg/api"
	"github.com/gatewayshift/orchestrator/pkg/audit"
	"github.com/gatewayshift/orchestrator/pkg/inventory"
	"github.com/gatewayshift/orchestrator/pkg/orchestrator"
)

func newAPIsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apis",
		Short: "Inspect and import the API inventory",
	}
	cmd.AddCommand(newAPIsListCmd(), newAPIsImportCmd())
	return cmd
}

func newAPIsListCmd() *cobra.Command {
	var (
		platform, owner, domain, risk string
		size                          int
		pageToken                     string
		all                           bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List inventoried APIs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			q := url.Values{}
			setIf(q, "platform", platform)
			setIf(q, "team", owner)
			setIf(q, "domain", domain)
			setIf(q, "riskLevel", risk)
			if size > 0 {
				q.Set("pageSize", itoa(size))
			}

			var items []inventory.APIRecord
			next := pageToken
			for {
				setIf(q, "pageToken", next)
				var page api.ListResponse[inventory.APIRecord]
				if err := client.getJSON(cmd.Context(), apiPath("apis")+"?"+q.Encode(), &page); err != nil {
					return fmt.Errorf("failed to list apis: %w", err)
				}
				items = append(items, page.Items...)
				next = page.NextPageToken
				if !all || next == "" {
					break
				}
			}

			out := cmd.OutOrStdout()
			if structured() {
				return printOutput(out, api.ListResponse[inventory.APIRecord]{Items: items, NextPageToken: next})
			}
			rows := make([][]string, 0, len(items))
			for _, a := range items {
				rows = append(rows, []string{a.ID, a.BasePath, a.Team, a.Domain, string(a.RiskLevel), fmt.Sprintf("%.1f", a.RiskScore)})
			}
			printTable(out, []string{"ID", "Base Path", "Team", "Domain", "Risk", "Score"}, rows)
			if next != "" {
				fmt.Fprintf(out, "Next page: --page-token %s\n", next)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&platform, "platform", "", "Only APIs from this legacy platform")
	f.StringVar(&owner, "owner", "", "Only APIs owned by this team")
	f.StringVar(&domain, "domain", "", "Only APIs in this business domain")
	f.StringVar(&risk, "risk", "", "Only APIs at this risk level (LOW, MEDIUM, HIGH, CRITICAL)")
	f.IntVar(&size, "page-size", 0, "Page size (server default when 0)")
	f.StringVar(&pageToken, "page-token", "", "Continue from a previous page")
	f.BoolVar(&all, "all", false, "Fetch every page")
	return cmd
}

type importBody struct {
	Platforms []string `json:"platforms,omitempty"`
	Include   []string `json:"include,omitempty"`
	Exclude   []string `json:"exclude,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Team      string   `json:"team,omitempty"`
	Domain    string   `json:"domain,omitempty"`
}

func newAPIsImportCmd() *cobra.Command {
	var body importBody
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import APIs from the configured discovery sources (admin)",
		Long: `Import lists APIs on the legacy platforms, narrows them with the given
filter and upserts them into the inventory. Include and exclude patterns are
globs matched against API names.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var res orchestrator.ImportResult
			if err := newClient().postJSON(cmd.Context(), apiPath("apis:import"), body, &res); err != nil {
				return fmt.Errorf("failed to import apis: %w", err)
			}
			out := cmd.OutOrStdout()
			if structured() {
				return printOutput(out, res)
			}
			printFields(out, [][2]string{
				{"Source", res.Source},
				{"Created", itoa(res.Created)},
				{"Updated", itoa(res.Updated)},
				{"Correlation ID", res.CorrelationID},
			})
			return nil
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&body.Platforms, "platform", nil, "Only these platforms (repeatable)")
	f.StringSliceVar(&body.Include, "include", nil, "Name glob to include (repeatable)")
	f.StringSliceVar(&body.Exclude, "exclude", nil, "Name glob to exclude (repeatable)")
	f.StringSliceVar(&body.Tags, "tag", nil, "Required tag (repeatable)")
	f.StringVar(&body.Team, "owner", "", "Only APIs owned by this team")
	f.StringVar(&body.Domain, "domain", "", "Only APIs in this business domain")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status <api-id>",
		Aliases: []string{"get"},
		Short:   "Show an API, its current migration and lock",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var st orchestrator.Status
			if err := newClient().getJSON(cmd.Context(), apiPath("apis", args[0]), &st); err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}
			out := cmd.OutOrStdout()
			if structured() {
				return printOutput(out, st)
			}
			fields := [][2]string{{"API", args[0]}, {"Status", st.Status}, {"Attempts", itoa(st.Attempts)}}
			if st.API != nil {
				fields = append(fields, [2]string{"Team", st.API.Team}, [2]string{"Risk", string(st.API.RiskLevel)})
			}
			if m := st.Migration; m != nil {
				fields = append(fields,
					[2]string{"Traffic", itoa(m.TrafficPercent) + "%"},
					[2]string{"Phases", joinInts(m.Phases)},
					[2]string{"Phase Entered", formatTime(m.PhaseEnteredAt)},
					[2]string{"Last Reason", m.LastReason},
				)
			}
			if a := st.Approvals; a != nil && a.Required > 0 {
				fields = append(fields, [2]string{"Approvals", fmt.Sprintf("%d/%d", len(a.Approvers), a.Required)})
			}
			if l := st.Lock; l != nil {
				fields = append(fields, [2]string{"Locked By", fmt.Sprintf("%s (token %d, until %s)", l.Holder, l.Token, formatTime(l.ExpiresAt))})
			}
			if len(st.Events) > 0 {
				events := make([]string, len(st.Events))
				for i, e := range st.Events {
					events[i] = string(e)
				}
				fields = append(fields, [2]string{"Next", strings.Join(events, ", ")})
			}
			printFields(out, fields)
			return nil
		},
	}
}

func newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <api-id>",
		Short: "Show the state transitions of every migration attempt of an API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var page api.ListResponse[audit.Entry]
			if err := newClient().getJSON(cmd.Context(), apiPath("apis", args[0], "history"), &page); err != nil {
				return fmt.Errorf("failed to get history: %w", err)
			}
			out := cmd.OutOrStdout()
			if structured() {
				return printOutput(out, page)
			}
			printTable(out, auditHeaders, auditRows(page.Items))
			return nil
		},
	}
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	} else {
		q.Del(key)
	}
}

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = itoa(n)
	}
	return strings.Join(parts, ",")
}
