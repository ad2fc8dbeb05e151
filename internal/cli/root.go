package cli

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ankittk/stagehand/internal/config"
	"github.com/ankittk/stagehand/internal/daemon"
	"github.com/ankittk/stagehand/pkg/client"
	"github.com/ankittk/stagehand/pkg/models"
)

func NewRootCmd(version string) *cobra.Command {
	var homeOverride string

	cmd := &cobra.Command{
		Use:          "stagehand",
		Short:        "Stagehand — staged run orchestration with loop routing and approval gates",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			home, err := config.ResolveHome(homeOverride)
			if err != nil {
				return err
			}
			cmd.SetContext(config.WithHome(cmd.Context(), home))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&homeOverride, "home", "", "Override Stagehand home directory (default: ~/.stagehand, env: STAGEHAND_HOME)")

	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newStartCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newStatusCmd())

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newApproveCmd())
	cmd.AddCommand(newContractCmd())
	cmd.AddCommand(newPolicyCmd())
	cmd.AddCommand(newIdentityCmd())
	cmd.AddCommand(newApikeyCmd())
	cmd.AddCommand(newNukeCmd())

	// Hidden internal subcommand used by `stagehand start` for background mode.
	cmd.AddCommand(newDaemonCmd())

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}

	return cmd
}

// apiClient builds a client for the running daemon: the explicit --addr flag
// wins, then the daemon's addr file, then the default port on localhost.
func apiClient(cmd *cobra.Command, addrOverride string) *client.Client {
	addr := addrOverride
	if addr == "" {
		home := config.MustHomeFrom(cmd.Context())
		if st, _ := daemon.Status(cmd.Context(), home); st.Running && st.Addr != "unknown" {
			addr = st.Addr
		}
	}
	if addr == "" {
		addr = fmt.Sprintf("localhost:%d", models.DefaultAPIPort)
	}
	// The addr file records the listen address; 0.0.0.0 is not dialable.
	if host, port, err := net.SplitHostPort(addr); err == nil && (host == "0.0.0.0" || host == "::" || host == "") {
		addr = net.JoinHostPort("localhost", port)
	}
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return client.New(base, os.Getenv("STAGEHAND_API_KEY"))
}
