package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ankittk/stagehand/pkg/models"
)

func newContractCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contract",
		Short: "Inspect and reload stage contracts",
	}
	cmd.AddCommand(newContractShowCmd())
	cmd.AddCommand(newContractReloadCmd())
	return cmd
}

func newContractShowCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "show [stage]",
		Short: "Show the active contract set, or one stage's contract",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := apiClient(cmd, addr)
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				contract, version, err := c.ContractForStage(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(out, "# contract set version %d\n", version)
				enc := yaml.NewEncoder(out)
				enc.SetIndent(2)
				defer func() { _ = enc.Close() }()
				return enc.Encode(contract)
			}
			set, err := c.Contracts(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "Contract set version %d\n", set.Version)
			for _, stage := range models.StageOrder {
				sc, ok := set.Stages[stage]
				if !ok {
					continue
				}
				line := "- " + sc.Stage
				if len(sc.RequiredInputs) > 0 {
					line += " (inputs=" + strings.Join(sc.RequiredInputs, ",") + ")"
				}
				_, _ = fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Daemon address (default: the running daemon)")
	return cmd
}

func newContractReloadCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Reload contracts.yaml from the Stagehand home",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := apiClient(cmd, addr)
			version, err := c.ReloadContracts(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Reloaded contracts (version %d)\n", version)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Daemon address (default: the running daemon)")
	return cmd
}
