package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"

	serverURL     string
	outputFmt     string
	correlationID string
	principal     string
	team          string
	role          string
	token         string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "migratectl",
		Short: "CLI for the gateway migration orchestrator",
		Long: `migratectl drives API migrations from legacy gateways to the new gateway.

Inventory commands (apis) import and list discovered APIs. Lifecycle commands
(plan, validate, deploy-mirror, advance, approve, rollback, complete, fail,
decommission) act on one API. status, migrations, locks and audit inspect
the orchestrator's state.

Identity is sent as X-User-* headers (--as, --team, --role) or as a bearer
token (--token, MIGRATECTL_TOKEN).`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&serverURL, "server", envOr("MIGRATECTL_SERVER", "http://localhost:8080"), "Orchestrator server URL")
	flags.StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, yaml")
	flags.StringVar(&correlationID, "correlation-id", "", "Correlation id sent with the request (generated by the server when empty)")
	flags.StringVar(&principal, "as", os.Getenv("USER"), "Principal to act as; sets X-User-Principal")
	flags.StringVar(&team, "team", "", "Team of the principal; sets X-User-Team")
	flags.StringVar(&role, "role", "", "Comma-separated roles; sets X-User-Role")
	flags.StringVar(&token, "token", os.Getenv("MIGRATECTL_TOKEN"), "Bearer token; replaces the X-User-* headers")

	root.AddCommand(
		newAPIsCmd(),
		newStatusCmd(),
		newHistoryCmd(),
		newMigrationsCmd(),
		newLocksCmd(),
		newAuditCmd(),
		newHealthCmd(),
	)
	root.AddCommand(newLifecycleCmds()...)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
