package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect routing policies",
	}
	cmd.AddCommand(newPolicyListCmd())
	cmd.AddCommand(newPolicyShowCmd())
	return cmd
}

func newPolicyListCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered routing policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := apiClient(cmd, addr)
			policies, err := c.Policies(cmd.Context())
			if err != nil {
				return err
			}
			for _, p := range policies {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "- %s (loop_cap=%d gated=%d rules=%d)\n",
					p.Name, p.LoopCap, len(p.GatedStages), len(p.Rules))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Daemon address (default: the running daemon)")
	return cmd
}

func newPolicyShowCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show one routing policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := apiClient(cmd, addr)
			p, err := c.Policy(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer func() { _ = enc.Close() }()
			return enc.Encode(p)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Daemon address (default: the running daemon)")
	return cmd
}
