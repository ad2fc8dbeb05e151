package evidence

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ankittk/stagehand/internal/store"
	"github.com/ankittk/stagehand/pkg/models"
)

// WriteReport renders the run's report.md from the aggregated timeline and
// returns its path. Called when a run reaches a terminal state.
func (d *Dir) WriteReport(summary *store.RunSummary) (string, error) {
	runDir := RunDir(d.Home, summary.Run.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}
	path := ReportPath(runDir)
	if err := os.WriteFile(path, []byte(RenderReport(summary)), 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

// RenderReport renders the markdown account of a run: header, scope, and
// every execution, transition, and approval in timeline order, so a
// reviewer can reconstruct why the run ended where it did without logs.
func RenderReport(summary *store.RunSummary) string {
	run := summary.Run
	var b strings.Builder
	b.WriteString("# Run ")
	b.WriteString(run.RunID)
	b.WriteString("\n\n")
	b.WriteString("- **Status:** ")
	b.WriteString(run.Status)
	if run.ReasonCode != nil && *run.ReasonCode != "" {
		b.WriteString(" (")
		b.WriteString(*run.ReasonCode)
		b.WriteString(")")
	}
	b.WriteString("\n- **Policy:** ")
	b.WriteString(run.Policy)
	b.WriteString("\n")
	if run.CurrentStage != "" {
		b.WriteString("- **Stage:** ")
		b.WriteString(run.CurrentStage)
		b.WriteString("\n")
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
		b.WriteString("- **Scope:** ")
		b.WriteString(strings.Join(pairs, ", "))
		b.WriteString("\n")
	}
	b.WriteString("- **Created:** ")
	b.WriteString(run.CreatedAt.Format("2006-01-02 15:04:05"))
	b.WriteString("\n")
	if run.EndedAt != nil {
		b.WriteString("- **Ended:** ")
		b.WriteString(run.EndedAt.Format("2006-01-02 15:04:05"))
		b.WriteString("\n")
	}

	b.WriteString("\n## Timeline\n\n")
	for _, item := range summary.Timeline {
		b.WriteString(fmt.Sprintf("%d. `%s` ", item.Seq, item.At.Format("15:04:05")))
		switch item.Kind {
		case models.KindExecution:
			e := item.Execution
			b.WriteString(fmt.Sprintf("**%s** iteration %d: %s", e.Stage, e.Iteration, e.Status))
			if e.ReasonCode != nil && *e.ReasonCode != "" {
				b.WriteString(" (")
				b.WriteString(*e.ReasonCode)
				b.WriteString(")")
			}
			if e.Summary != "" {
				b.WriteString(" - ")
				b.WriteString(e.Summary)
			}
		case models.KindTransition:
			tr := item.Transition
			if tr.ToStage == "" {
				b.WriteString(fmt.Sprintf("run cancelled at %s (%s)", tr.FromStage, tr.ReasonCode))
			} else if tr.FromStage == tr.ToStage {
				b.WriteString(fmt.Sprintf("retry %s (%s)", tr.FromStage, tr.ReasonCode))
			} else {
				b.WriteString(fmt.Sprintf("loop %s to %s (%s)", tr.FromStage, tr.ToStage, tr.ReasonCode))
			}
			if tr.Detail != "" {
				b.WriteString(" - ")
				b.WriteString(tr.Detail)
			}
		case models.KindApproval:
			ap := item.Approval
			b.WriteString(fmt.Sprintf("approval: %s %s by %s", ap.Decision, ap.Stage, ap.Approver))
			if ap.Override {
				b.WriteString(" [override]")
			}
			if ap.Comment != "" {
				b.WriteString(" - ")
				b.WriteString(ap.Comment)
			}
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}
