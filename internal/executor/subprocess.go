package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ankittk/stagehand/internal/sandbox"
	"github.com/ankittk/stagehand/pkg/models"
)

// SubprocessInvoker runs a per-stage command: stdin = JSON InvokeRequest,
// stdout = NDJSON events per line plus one final result line of the form
// {"result": {...}}. If SandboxHome is set (and bubblewrap is available on
// Linux), the process runs inside a minimal bwrap sandbox. If SandboxWorkDir
// is also set (must be under SandboxHome), only that directory is writable;
// SandboxHome (including the store and config files) is read-only.
type SubprocessInvoker struct {
	Command        string            // default command for every stage
	Args           []string
	Commands       map[string]string // per-stage command override
	Timeout        time.Duration     // 0 = use context only
	SandboxHome    string            // if set, run the command inside bubblewrap with this dir writable
	SandboxWorkDir string            // if set with SandboxHome, restrict writes to this dir only
}

func (SubprocessInvoker) Name() string { return "subprocess" }

// resultLine is the final stdout line carrying the stage result.
type resultLine struct {
	Result *models.InvokeResult `json:"result"`
}

func (r SubprocessInvoker) Invoke(ctx context.Context, req models.InvokeRequest, emit func(Event)) (models.InvokeResult, error) {
	command := r.Command
	if c, ok := r.Commands[req.Stage]; ok {
		command = c
	}
	if command == "" {
		return models.InvokeResult{}, errors.New("subprocess command is required")
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	cmd := sandbox.WrapCommand(ctx, r.SandboxHome, r.SandboxWorkDir, command, r.Args)
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return models.InvokeResult{}, err
	}
	cmd.Stdin = strings.NewReader(string(reqJSON) + "\n")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return models.InvokeResult{}, err
	}
	if err := cmd.Start(); err != nil {
		return models.InvokeResult{}, err
	}
	defer func() {
		if ctx.Err() != nil {
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
		}
		if err := cmd.Wait(); err != nil {
			slog.Warn("stage command exited with error", "stage", req.Stage, "err", err)
		}
	}()

	var result *models.InvokeResult
	var output strings.Builder
	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rl resultLine
		if err := json.Unmarshal([]byte(line), &rl); err == nil && rl.Result != nil {
			result = rl.Result
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err == nil && ev.Type != "" {
			if ev.Timestamp.IsZero() {
				ev.Timestamp = time.Now().UTC()
			}
			emit(ev)
			continue
		}
		output.WriteString(line)
		output.WriteString("\n")
	}
	if err := sc.Err(); err != nil {
		return models.InvokeResult{}, err
	}
	if result == nil {
		return models.InvokeResult{}, fmt.Errorf("stage command %q produced no result line", command)
	}
	if result.Summary == "" {
		result.Summary = strings.TrimSpace(output.String())
	}
	return *result, nil
}
