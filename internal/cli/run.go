package cli

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ankittk/stagehand/internal/config"
	"github.com/ankittk/stagehand/internal/identity"
	"github.com/ankittk/stagehand/pkg/client"
	"github.com/ankittk/stagehand/pkg/models"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Manage pipeline runs",
	}
	cmd.AddCommand(newRunCreateCmd())
	cmd.AddCommand(newRunListCmd())
	cmd.AddCommand(newRunShowCmd())
	cmd.AddCommand(newRunSummaryCmd())
	cmd.AddCommand(newRunAdvanceCmd())
	cmd.AddCommand(newRunResumeCmd())
	cmd.AddCommand(newRunCancelCmd())
	return cmd
}

func newRunCreateCmd() *cobra.Command {
	var (
		addr      string
		policy    string
		loopCap   int
		scopePair []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a run (e.g. --scope project=checkout --policy sprint)",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope := make(map[string]string, len(scopePair))
			for _, kv := range scopePair {
				i := strings.Index(kv, "=")
				if i <= 0 {
					return fmt.Errorf("--scope must be key=value, got %q", kv)
				}
				scope[kv[:i]] = kv[i+1:]
			}
			if len(scope) == 0 {
				return errors.New("at least one --scope key=value is required")
			}
			c := apiClient(cmd, addr)
			run, err := c.CreateRun(cmd.Context(), client.CreateRunRequest{
				Scope:   scope,
				Policy:  policy,
				LoopCap: loopCap,
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created run %s (policy %s, status %s)\n", run.RunID, run.Policy, run.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Daemon address (default: the running daemon)")
	cmd.Flags().StringVar(&policy, "policy", "", "Routing policy (default: sprint)")
	cmd.Flags().IntVar(&loopCap, "loop-cap", 0, "Override the policy loop cap for this run")
	cmd.Flags().StringSliceVar(&scopePair, "scope", nil, "Scope metadata as key=value (repeatable)")
	return cmd
}

func newRunListCmd() *cobra.Command {
	var (
		addr   string
		status string
		policy string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := apiClient(cmd, addr)
			runs, err := c.ListRuns(cmd.Context(), status, policy, limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No runs")
				return nil
			}
			for _, r := range runs {
				line := fmt.Sprintf("- %s %s", r.RunID, r.Status)
				if r.CurrentStage != "" {
					line += " @" + r.CurrentStage
				}
				line += fmt.Sprintf(" (policy=%s", r.Policy)
				if r.ReasonCode != nil {
					line += " reason=" + *r.ReasonCode
				}
				line += ")"
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Daemon address (default: the running daemon)")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (queued, running, blocked, completed, failed)")
	cmd.Flags().StringVar(&policy, "policy", "", "Filter by policy")
	cmd.Flags().IntVar(&limit, "limit", 0, "Max runs to list")
	return cmd
}

func newRunShowCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := apiClient(cmd, addr)
			run, err := c.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printRun(cmd, run)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Daemon address (default: the running daemon)")
	return cmd
}

func newRunSummaryCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "summary <run-id>",
		Short: "Show a run's ordered timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := apiClient(cmd, addr)
			s, err := c.GetRunSummary(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printRun(cmd, &s.Run)
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintln(out, "Timeline:")
			for _, item := range s.Timeline {
				switch item.Kind {
				case models.KindExecution:
					e := item.Execution
					line := fmt.Sprintf("  %3d  %s #%d %s", item.Seq, e.Stage, e.Iteration, e.Status)
					if e.ReasonCode != nil {
						line += " " + *e.ReasonCode
					}
					_, _ = fmt.Fprintln(out, line)
				case models.KindTransition:
					tr := item.Transition
					to := tr.ToStage
					if to == "" {
						to = "(end)"
					}
					_, _ = fmt.Fprintf(out, "  %3d  %s -> %s [%s]\n", item.Seq, tr.FromStage, to, tr.ReasonCode)
				case models.KindApproval:
					a := item.Approval
					_, _ = fmt.Fprintf(out, "  %3d  approval %s %s by %s\n", item.Seq, a.Stage, a.Decision, a.Approver)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Daemon address (default: the running daemon)")
	return cmd
}

func newRunAdvanceCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "advance <run-id>",
		Short: "Advance a run by one stage execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := apiClient(cmd, addr)
			run, err := c.Advance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printRun(cmd, run)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Daemon address (default: the running daemon)")
	return cmd
}

func newRunResumeCmd() *cobra.Command {
	var addr string
	var operator string
	var comment string
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a blocked run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if operator == "" {
				operator = identity.DefaultApprover(config.MustHomeFrom(cmd.Context()))
			}
			c := apiClient(cmd, addr)
			run, err := c.Resume(cmd.Context(), args[0], operator, comment)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Resumed run %s at %s\n", run.RunID, run.CurrentStage)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Daemon address (default: the running daemon)")
	cmd.Flags().StringVar(&operator, "operator", "", "Operator recorded on the resume (default: detected identity)")
	cmd.Flags().StringVar(&comment, "comment", "", "Resume comment")
	return cmd
}

func newRunCancelCmd() *cobra.Command {
	var addr string
	var detail string
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run (terminal, reason Cancelled)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := apiClient(cmd, addr)
			run, err := c.Cancel(cmd.Context(), args[0], detail)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Cancelled run %s\n", run.RunID)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Daemon address (default: the running daemon)")
	cmd.Flags().StringVar(&detail, "detail", "", "Cancellation detail recorded on the run")
	return cmd
}

func printRun(cmd *cobra.Command, run *models.Run) {
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Run %s\n", run.RunID)
	_, _ = fmt.Fprintf(out, "  status:  %s\n", run.Status)
	if run.CurrentStage != "" {
		_, _ = fmt.Fprintf(out, "  stage:   %s\n", run.CurrentStage)
	}
	_, _ = fmt.Fprintf(out, "  policy:  %s (loop cap %d)\n", run.Policy, run.LoopCap)
	if run.ReasonCode != nil {
		_, _ = fmt.Fprintf(out, "  reason:  %s\n", *run.ReasonCode)
	}
	if run.Detail != nil && *run.Detail != "" {
		_, _ = fmt.Fprintf(out, "  detail:  %s\n", *run.Detail)
	}
	if len(run.Scope) > 0 {
		keys := make([]string, 0, len(run.Scope))
		for k := range run.Scope {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+run.Scope[k])
		}
		_, _ = fmt.Fprintf(out, "  scope:   %s\n", strings.Join(pairs, " "))
	}
}
