package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/gatewayshift/orchestrator/pkg/migration"
	"github.com/gatewayshift/orchestrator/pkg/orchestrator"
)

type reasonBody struct {
	Reason string `json:"reason,omitempty"`
}

type commentBody struct {
	Comment string `json:"comment,omitempty"`
}

type lifecycleOp struct {
	use   string
	short string
	// reason adds a --reason flag; required reasons are enforced by the server.
	reason bool
}

var lifecycleOps = []lifecycleOp{
	{use: "plan", short: "Plan a migration: generate and record the target gateway configuration"},
	{use: "validate", short: "Validate the planned configuration"},
	{use: "deploy-mirror", short: "Deploy the configuration and start mirroring traffic"},
	{use: "complete", short: "Finish a migration once the final phase has been monitored"},
	{use: "fail", short: "Mark a migration as failed", reason: true},
	{use: "decommission", short: "Decommission the legacy route of a completed or unmigrated API", reason: true},
}

func newLifecycleCmds() []*cobra.Command {
	cmds := make([]*cobra.Command, 0, len(lifecycleOps)+3)
	for _, op := range lifecycleOps {
		cmds = append(cmds, newLifecycleCmd(op))
	}
	return append(cmds, newAdvanceCmd(), newApproveCmd(), newRollbackCmd())
}

func newLifecycleCmd(op lifecycleOp) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   op.use + " <api-id>",
		Short: op.short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body any
			if op.reason {
				body = reasonBody{Reason: reason}
			}
			var res orchestrator.Result
			if err := newClient().postJSON(cmd.Context(), apiPath("apis", args[0], op.use), body, &res); err != nil {
				return fmt.Errorf("%s failed: %w", op.use, err)
			}
			out := cmd.OutOrStdout()
			if structured() {
				return printOutput(out, res)
			}
			printFields(out, [][2]string{
				{"API", args[0]},
				{"Status", res.Status},
				{"Held", res.Held},
				{"Failed", res.Failed},
				{"Correlation ID", res.CorrelationID},
			})
			return nil
		},
	}
	if op.reason {
		cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the audit trail")
	}
	return cmd
}

func newAdvanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance <api-id>",
		Short: "Evaluate metrics and shift more traffic, hold, or roll back",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res orchestrator.AdvanceResult
			if err := newClient().postJSON(cmd.Context(), apiPath("apis", args[0], "advance"), nil, &res); err != nil {
				return fmt.Errorf("advance failed: %w", err)
			}
			out := cmd.OutOrStdout()
			if structured() {
				return printOutput(out, res)
			}
			printFields(out, [][2]string{
				{"API", args[0]},
				{"Outcome", string(res.Kind)},
				{"Traffic", itoa(res.Percent) + "%"},
				{"Reason", res.Reason},
				{"Status", res.Status},
				{"Failed", res.Failed},
				{"Correlation ID", res.CorrelationID},
			})
			return nil
		},
	}
}

func newApproveCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "approve <api-id>",
		Short: "Approve the current canary phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var state migration.ApprovalState
			if err := newClient().postJSON(cmd.Context(), apiPath("apis", args[0], "approve"), commentBody{Comment: comment}, &state); err != nil {
				return fmt.Errorf("approve failed: %w", err)
			}
			out := cmd.OutOrStdout()
			if structured() {
				return printOutput(out, state)
			}
			printApprovals(out, args[0], state)
			return nil
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "Approval comment")
	return cmd
}

func printApprovals(w io.Writer, apiID string, state migration.ApprovalState) {
	satisfied := "no"
	if state.Satisfied {
		satisfied = "yes"
	}
	printFields(w, [][2]string{
		{"API", apiID},
		{"Status", state.Status},
		{"Approvals", fmt.Sprintf("%d/%d", len(state.Approvers), state.Required)},
		{"Satisfied", satisfied},
	})
}

func newRollbackCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "rollback <api-id>",
		Short: "Return all traffic to the legacy gateway, preempting any lock holder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res orchestrator.RollbackResult
			if err := newClient().postJSON(cmd.Context(), apiPath("apis", args[0], "rollback"), reasonBody{Reason: reason}, &res); err != nil {
				return fmt.Errorf("rollback failed: %w", err)
			}
			out := cmd.OutOrStdout()
			if structured() {
				return printOutput(out, res)
			}
			fields := [][2]string{
				{"API", args[0]},
				{"Outcome", string(res.Kind)},
				{"Status", res.Status},
				{"Correlation ID", res.CorrelationID},
			}
			if res.Displaced != nil {
				fields = append(fields, [2]string{"Displaced", fmt.Sprintf("%s (token %d)", res.Displaced.Holder, res.Displaced.Token)})
			}
			printFields(out, fields)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the audit trail")
	return cmd
}
