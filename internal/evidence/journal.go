package evidence

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// JournalEntry represents one stage attempt appended to a run's journal.
type JournalEntry struct {
	Stage      string
	Iteration  int
	Status     string
	ReasonCode string
	Decision   string // routing decision applied to the outcome
	Detail     string
	CreatedAt  time.Time
}

// Dir manages the evidence directories of one stagehand home.
type Dir struct {
	Home string
}

// AppendJournal adds an entry to the run's journal.md. Creates the run
// directory and journal file if they do not exist. The entry is appended
// in markdown form.
func (d *Dir) AppendJournal(runID string, entry JournalEntry) error {
	runDir := RunDir(d.Home, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	f, err := os.OpenFile(JournalPath(runDir), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteString(formatJournalBlock(entry)); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	return nil
}

func formatJournalBlock(e JournalEntry) string {
	var b strings.Builder
	b.WriteString("\n---\n\n")
	b.WriteString("## ")
	b.WriteString(e.CreatedAt.Format("2006-01-02 15:04"))
	if e.Stage != "" {
		b.WriteString(" ")
		b.WriteString(e.Stage)
	}
	if e.Iteration > 1 {
		b.WriteString(fmt.Sprintf(" (iteration %d)", e.Iteration))
	}
	b.WriteString("\n\n")
	if e.Status != "" {
		b.WriteString("- **Outcome:** ")
		b.WriteString(e.Status)
		if e.ReasonCode != "" {
			b.WriteString(" (")
			b.WriteString(e.ReasonCode)
			b.WriteString(")")
		}
		b.WriteString("\n")
	}
	if e.Decision != "" {
		b.WriteString("- **Decision:** ")
		b.WriteString(e.Decision)
		b.WriteString("\n")
	}
	if e.Detail != "" {
		b.WriteString("- **Detail:** ")
		b.WriteString(e.Detail)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

// ReadJournal returns the raw journal markdown. A limit of 0 means the whole
// file; otherwise the trailing limitBytes. A missing journal returns empty.
func (d *Dir) ReadJournal(runID string, limitBytes int) (string, error) {
	data, err := os.ReadFile(JournalPath(RunDir(d.Home, runID)))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	s := string(data)
	if limitBytes <= 0 || len(s) <= limitBytes {
		return s, nil
	}
	return s[len(s)-limitBytes:], nil
}
