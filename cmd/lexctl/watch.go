package main

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/lexconverge/internal/monitor"
)

var (
	// watchInterval is the dashboard refresh interval
	watchInterval time.Duration
	// watchExit quits once the followed job is terminal
	watchExit bool
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [job-id]",
		Short: "Open the live job dashboard",
		Long: `Open a terminal dashboard polling the daemon.

With a job id the dashboard follows that job's rounds and progress;
without one it shows the job manager overview.

Examples:
  # Overview of every job
  lexctl watch

  # Follow one job and exit when it finishes
  lexctl watch 3f2c9a1e-... --exit`,
		Args: cobra.MaximumNArgs(1),
		RunE: runWatch,
	}
	cmd.Flags().DurationVar(&watchInterval, "interval", time.Second, "refresh interval")
	cmd.Flags().BoolVar(&watchExit, "exit", false, "exit when the followed job finishes")
	return cmd
}

func runWatch(cmd *cobra.Command, args []string) error {
	if watchInterval <= 0 {
		return fmt.Errorf("interval must be positive")
	}

	var opts []monitor.Option
	if len(args) == 1 {
		opts = append(opts, monitor.WithJob(args[0]))
		if watchExit {
			opts = append(opts, monitor.WithExitOnDone())
		}
	}

	model := monitor.NewModel(apiClient(), watchInterval, opts...)
	p := tea.NewProgram(model,
		tea.WithAltScreen(),
		tea.WithContext(cmd.Context()),
	)
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
