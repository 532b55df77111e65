package main

import (
	"context"
	"fmt"
	"iter"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/gatewayshift/orchestrator/pkg/api"
	"github.com/gatewayshift/orchestrator/pkg/audit"
)

var auditHeaders = []string{"Seq", "Time", "Actor", "Action", "Resource", "Before", "After", "OK", "Correlation"}

func auditRows(entries []audit.Entry) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		ok := "yes"
		if !e.Success {
			ok = "no"
		}
		rows = append(rows, []string{
			strconv.FormatInt(e.Seq, 10),
			formatTime(e.Timestamp),
			e.Actor,
			e.Action,
			e.Resource,
			e.BeforeStatus,
			e.AfterStatus,
			ok,
			truncate(e.CorrelationID, 12),
		})
	}
	return rows
}

// auditEntries yields matching entries in order. The next page is only
// requested once the previous one has been consumed.
func (c *migrateClient) auditEntries(ctx context.Context, filter string, pageSize int) iter.Seq2[audit.Entry, error] {
	return func(yield func(audit.Entry, error) bool) {
		q := url.Values{}
		setIf(q, "filter", filter)
		if pageSize > 0 {
			q.Set("pageSize", itoa(pageSize))
		}
		next := ""
		for {
			setIf(q, "pageToken", next)
			var page api.ListResponse[audit.Entry]
			if err := c.getJSON(ctx, apiPath("audit")+"?"+q.Encode(), &page); err != nil {
				yield(audit.Entry{}, err)
				return
			}
			for _, e := range page.Items {
				if !yield(e, nil) {
					return
				}
			}
			if page.NextPageToken == "" {
				return
			}
			next = page.NextPageToken
		}
	}
}

func newAuditCmd() *cobra.Command {
	var (
		filter string
		size   int
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit trail",
		Long: `audit walks the audit trail page by page, oldest first.

Filter expressions join comparisons with AND, for example:

  resource = "api/apic:orders-api" AND action = "migration.rollback"
  actor = "auto-threshold" AND success = false
  at >= "2026-01-01T00:00:00Z"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			var entries []audit.Entry
			for e, err := range client.auditEntries(cmd.Context(), filter, size) {
				if err != nil {
					return fmt.Errorf("failed to query audit trail: %w", err)
				}
				entries = append(entries, e)
				if limit > 0 && len(entries) >= limit {
					break
				}
			}
			out := cmd.OutOrStdout()
			if structured() {
				if entries == nil {
					entries = []audit.Entry{}
				}
				return printOutput(out, entries)
			}
			printTable(out, auditHeaders, auditRows(entries))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&filter, "filter", "", "Filter expression")
	f.IntVar(&size, "page-size", 0, "Entries fetched per request")
	f.IntVar(&limit, "limit", 0, "Stop after this many entries (0 for all)")

	cmd.AddCommand(newAuditExportCmd())
	return cmd
}

type exportBody struct {
	Filter string `json:"filter,omitempty"`
}

func newAuditExportCmd() *cobra.Command {
	var filter string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Copy matching audit entries to the archive sink (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var res api.ExportResponse
			if err := newClient().postJSON(cmd.Context(), apiPath("audit:export"), exportBody{Filter: filter}, &res); err != nil {
				return fmt.Errorf("failed to export audit trail: %w", err)
			}
			out := cmd.OutOrStdout()
			if structured() {
				return printOutput(out, res)
			}
			printFields(out, [][2]string{
				{"Sink", res.Sink},
				{"Key", res.Key},
				{"Entries", itoa(res.Count)},
				{"Correlation ID", res.CorrelationID},
			})
			return nil
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "", "Filter expression")
	return cmd
}
