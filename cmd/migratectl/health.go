package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the orchestrator is serving",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			if err := newClient().getJSON(cmd.Context(), "/healthz", &resp); err != nil {
				return fmt.Errorf("server unreachable: %w", err)
			}
			out := cmd.OutOrStdout()
			if structured() {
				return printOutput(out, resp)
			}
			status, _ := resp["status"].(string)
			printTable(out, []string{"Check", "Status"}, [][]string{{"Liveness", status}})
			return nil
		},
	}
}
