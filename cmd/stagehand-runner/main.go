// stagehand-runner is a reference stage-runner for invoker=http. It serves
// POST /invoke, handles the Git stage by committing the configured repo to a
// per-run branch, and delegates other stages to per-stage shell commands.
// Example: go run ./cmd/stagehand-runner --addr=:3561 --repo=/path/to/repo
// Then start the daemon with: stagehand start --invoker=http --runner-url=http://localhost:3561
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ankittk/stagehand/internal/git"
	"github.com/ankittk/stagehand/pkg/models"
)

func main() {
	addr := flag.String("addr", ":3561", "HTTP listen address")
	apiKey := flag.String("api-key", os.Getenv("STAGEHAND_RUNNER_KEY"), "require this X-API-Key on requests (env: STAGEHAND_RUNNER_KEY)")
	repo := flag.String("repo", "", "git work tree the Git stage commits to")
	push := flag.Bool("push", false, "push the run branch to origin after committing")
	commandsFile := flag.String("commands", "", "YAML file mapping stage name to a shell command")
	flag.Parse()

	r := &runner{apiKey: *apiKey, repo: *repo, push: *push}
	if *commandsFile != "" {
		cmds, err := loadCommands(*commandsFile)
		if err != nil {
			slog.Error("load commands", "path", *commandsFile, "err", err)
			os.Exit(1)
		}
		r.commands = cmds
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("POST /invoke", r.handleInvoke)

	srv := &http.Server{Addr: *addr, Handler: mux}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	slog.Info("stage runner listening", "addr", *addr, "repo", *repo, "commands", len(r.commands))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("serve", "err", err)
		os.Exit(1)
	}
}

type runner struct {
	apiKey   string
	repo     string
	push     bool
	commands map[string]string
}

func (r *runner) handleInvoke(w http.ResponseWriter, req *http.Request) {
	if r.apiKey != "" && req.Header.Get("X-API-Key") != r.apiKey {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var ir models.InvokeRequest
	if err := json.NewDecoder(req.Body).Decode(&ir); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if !models.KnownStage(ir.Stage) {
		http.Error(w, fmt.Sprintf(`{"error":"unknown stage %q"}`, ir.Stage), http.StatusBadRequest)
		return
	}
	res := r.invoke(req.Context(), ir)
	slog.Info("stage invoked", "run_id", ir.RunID, "stage", ir.Stage, "iteration", ir.Iteration, "status", res.Status)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}

func (r *runner) invoke(ctx context.Context, req models.InvokeRequest) models.InvokeResult {
	if cmd, ok := r.commands[req.Stage]; ok {
		return runCommand(ctx, cmd, req)
	}
	if req.Stage == models.StageGit && r.repo != "" {
		return r.gitStage(ctx, req)
	}
	return models.InvokeResult{
		Status:  models.StatusSuccess,
		Summary: fmt.Sprintf("stage %s acknowledged (no handler configured)", req.Stage),
	}
}

// gitStage commits the work tree to the run's branch and reports the SHA.
func (r *runner) gitStage(ctx context.Context, req models.InvokeRequest) models.InvokeResult {
	fail := func(err error) models.InvokeResult {
		return models.InvokeResult{
			Status:     models.StatusFailure,
			ReasonCode: models.ReasonScriptError,
			Summary:    err.Error(),
		}
	}
	if !git.IsRepo(ctx, r.repo) {
		return fail(fmt.Errorf("%s is not a git work tree", r.repo))
	}
	branch := git.BranchName(req.RunID)
	if err := git.EnsureBranch(ctx, r.repo, branch); err != nil {
		return fail(err)
	}
	msg := fmt.Sprintf("run %s: %s iteration %d", req.RunID, req.Stage, req.Iteration)
	sha, err := git.CommitAll(ctx, r.repo, msg)
	if err != nil {
		return fail(err)
	}
	if r.push {
		if err := git.Push(ctx, r.repo, branch); err != nil {
			return fail(err)
		}
	}
	return models.InvokeResult{
		Status:  models.StatusSuccess,
		Outputs: map[string]string{"branch": branch, "commit_sha": sha},
		Summary: fmt.Sprintf("committed %s on %s", sha, branch),
	}
}

// runCommand runs a stage shell command with the request JSON on stdin. The
// command reports its result as a final stdout line {"result": {...}}; plain
// output becomes the summary, and a bare zero exit counts as success.
func runCommand(ctx context.Context, command string, req models.InvokeRequest) models.InvokeResult {
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return models.InvokeResult{Status: models.StatusFailure, ReasonCode: models.ReasonScriptError, Summary: err.Error()}
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdin = strings.NewReader(string(reqJSON) + "\n")
	cmd.Env = append(os.Environ(),
		"STAGEHAND_RUN_ID="+req.RunID,
		"STAGEHAND_STAGE="+req.Stage,
		fmt.Sprintf("STAGEHAND_ITERATION=%d", req.Iteration),
	)
	out, runErr := cmd.Output()

	var result *models.InvokeResult
	var plain strings.Builder
	sc := bufio.NewScanner(strings.NewReader(string(out)))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rl struct {
			Result *models.InvokeResult `json:"result"`
		}
		if err := json.Unmarshal([]byte(line), &rl); err == nil && rl.Result != nil {
			result = rl.Result
			continue
		}
		plain.WriteString(line)
		plain.WriteString("\n")
	}
	if result != nil {
		if result.Summary == "" {
			result.Summary = strings.TrimSpace(plain.String())
		}
		return *result
	}
	if runErr != nil {
		return models.InvokeResult{
			Status:     models.StatusFailure,
			ReasonCode: models.ReasonScriptError,
			Summary:    fmt.Sprintf("%v: %s", runErr, strings.TrimSpace(plain.String())),
		}
	}
	return models.InvokeResult{Status: models.StatusSuccess, Summary: strings.TrimSpace(plain.String())}
}

func loadCommands(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cmds map[string]string
	if err := yaml.Unmarshal(data, &cmds); err != nil {
		return nil, err
	}
	for stage := range cmds {
		if !models.KnownStage(stage) {
			return nil, fmt.Errorf("unknown stage %q in %s", stage, path)
		}
	}
	return cmds, nil
}
