package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ankittk/stagehand/internal/config"
	"github.com/ankittk/stagehand/internal/identity"
	"github.com/ankittk/stagehand/pkg/client"
	"github.com/ankittk/stagehand/pkg/models"
)

func newApproveCmd() *cobra.Command {
	var (
		addr      string
		runID     string
		stage     string
		decision  string
		approver  string
		comment   string
		override  bool
		expiresIn time.Duration
	)
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Record an approval decision on a run's gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				return fmt.Errorf("--run is required")
			}
			if approver == "" {
				approver = identity.DefaultApprover(config.MustHomeFrom(cmd.Context()))
			}
			req := client.ApprovalRequest{
				Stage:    stage,
				Decision: decision,
				Approver: approver,
				Comment:  comment,
				Override: override,
			}
			if expiresIn > 0 {
				t := time.Now().UTC().Add(expiresIn)
				req.ExpiresAt = &t
			}
			c := apiClient(cmd, addr)
			a, err := c.RecordApproval(cmd.Context(), runID, req)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s on %s for run %s by %s\n", a.Decision, a.Stage, runID, a.Approver)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Daemon address (default: the running daemon)")
	cmd.Flags().StringVar(&runID, "run", "", "Run ID (required)")
	cmd.Flags().StringVar(&stage, "stage", models.StageGit, "Gated stage the decision applies to")
	cmd.Flags().StringVar(&decision, "decision", models.DecisionApprove, "Decision: approve or reject")
	cmd.Flags().StringVar(&approver, "approver", "", "Approver recorded on the decision (default: detected identity)")
	cmd.Flags().StringVar(&comment, "comment", "", "Approval comment")
	cmd.Flags().BoolVar(&override, "override", false, "Approve past a failed validation (recorded on the approval)")
	cmd.Flags().DurationVar(&expiresIn, "expires", 0, "Approval validity window (e.g. 30m, 2h; 0 = no expiry)")
	return cmd
}
