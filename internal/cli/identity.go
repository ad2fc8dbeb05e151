package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ankittk/stagehand/internal/config"
	"github.com/ankittk/stagehand/internal/identity"
)

func newIdentityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage the operator identity recorded on approvals and resumes",
	}
	cmd.AddCommand(newIdentityDetectCmd())
	return cmd
}

func newIdentityDetectCmd() *cobra.Command {
	var repoDir string
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Detect identity from git config and save to operators/",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			op, err := identity.DetectAndSave(home, repoDir)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Detected: %s <%s>\n", op.Name, op.Email)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Saved to %s\n", identity.OperatorPath(home, op.Name))
			return nil
		},
	}
	cmd.Flags().StringVar(&repoDir, "repo", "", "Git repo path (default: global git config)")
	return cmd
}
