package cli

import (
	"github.com/spf13/cobra"

	"github.com/ankittk/stagehand/internal/config"
	"github.com/ankittk/stagehand/internal/daemon"
	"github.com/ankittk/stagehand/pkg/models"
)

func newDaemonCmd() *cobra.Command {
	var (
		port           int
		intervalSec    float64
		maxConcurrent  int
		dev            bool
		pprofAddr      string
		invokerKind    string
		subprocessCmd  string
		subprocessArgs []string
		runnerURL      string
		runnerKey      string
		sandboxHome    string
		dbDriver       string
		dbURL          string
		blockedTTL     int
		enableOtel     bool
	)

	cmd := &cobra.Command{
		Use:    "daemon",
		Short:  "Internal: run daemon process",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			return daemon.StartForeground(cmd.Context(), daemon.StartOptions{
				Home:           home,
				Port:           port,
				IntervalSec:    intervalSec,
				MaxConcurrent:  maxConcurrent,
				Dev:            dev,
				PprofAddr:      pprofAddr,
				Invoker:        invokerKind,
				SubprocessCmd:  subprocessCmd,
				SubprocessArgs: subprocessArgs,
				RunnerURL:      runnerURL,
				RunnerKey:      runnerKey,
				SandboxHome:    sandboxHome,
				DBDriver:       dbDriver,
				DBURL:          dbURL,
				BlockedTTLSec:  blockedTTL,
				EnableOtel:     enableOtel,
			})
		},
	}

	cmd.Flags().IntVar(&port, "port", models.DefaultAPIPort, "Port for the API and run board")
	cmd.Flags().Float64Var(&intervalSec, "interval", 2.0, "Scheduler poll interval (seconds)")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", models.DefaultSchedulerChanSize, "Max concurrently ticking runs")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable dev mode")
	cmd.Flags().StringVar(&pprofAddr, "pprof", "", "Enable pprof on address (e.g. 127.0.0.1:6060)")
	cmd.Flags().StringVar(&invokerKind, "invoker", "stub", "Stage invoker: stub, subprocess, or http")
	cmd.Flags().StringVar(&subprocessCmd, "subprocess-cmd", "", "Command for invoker=subprocess")
	cmd.Flags().StringSliceVar(&subprocessArgs, "subprocess-args", nil, "Args for invoker=subprocess")
	cmd.Flags().StringVar(&runnerURL, "runner-url", "", "Stage-runner base URL for invoker=http")
	cmd.Flags().StringVar(&runnerKey, "runner-key", "", "X-API-Key for the stage runner")
	cmd.Flags().StringVar(&sandboxHome, "sandbox-home", "", "Run subprocess inside bubblewrap with this dir writable (Linux only)")
	cmd.Flags().StringVar(&dbDriver, "db-driver", "sqlite", "Store driver: sqlite or postgres")
	cmd.Flags().StringVar(&dbURL, "db-url", "", "DB connection string (for postgres; or set STAGEHAND_DB)")
	cmd.Flags().IntVar(&blockedTTL, "blocked-ttl", 0, "Cancel runs blocked longer than this many seconds (0 = never)")
	cmd.Flags().BoolVar(&enableOtel, "otel", true, "Enable OpenTelemetry metrics")

	return cmd
}
