package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"genrelay/internal/daemonctl"
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	var startDiagnostic bool
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the genrelay daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}

			result, err := daemonctl.EnsureStarted(
				ctx.socketPath(),
				exe,
				daemonctl.LaunchOptions{ConfigPath: ctx.configPath(), Diagnostic: startDiagnostic},
				10*time.Second,
			)
			if err != nil {
				return err
			}

			if result.Launched {
				fmt.Fprintln(stdout, "Daemon not running, launching...")
			}
			switch result.State {
			case daemonctl.StartStateStarted:
				fmt.Fprintln(stdout, "Daemon started")
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintln(stdout, "Daemon already running")
			case daemonctl.StartStateRequested:
				fmt.Fprintln(stdout, result.Message)
			}
			return nil
		},
	}
	startCmd.Flags().BoolVar(&startDiagnostic, "diagnostic", false, "Enable diagnostic mode with separate DEBUG logs")

	var grace time.Duration
	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the genrelay daemon (terminates the process)",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			result, err := daemonctl.StopAndTerminate(ctx.configValue(), grace)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if result.StopAcknowledged {
				fmt.Fprintln(stdout, "Stopping message handling...")
			}
			if result.ForcedKill && result.PID > 0 {
				fmt.Fprintf(stdout, "Killed daemon process (pid %d)\n", result.PID)
			}
			fmt.Fprintln(stdout, "Daemon stopped")
			return nil
		},
	}
	stopCmd.Flags().DurationVar(&grace, "grace", 5*time.Second, "Time to wait for a clean exit before killing the process")

	var statusJSON bool
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, network, and job status",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := daemonctl.BuildStatusSnapshot(cmd.Context(), ctx.configValue())
			if err != nil {
				return err
			}
			if statusJSON {
				return writeJSON(cmd, snap)
			}

			stdout := cmd.OutOrStdout()
			colorize := shouldColorize(stdout)

			system := make([]string, 0, len(snap.SystemChecks))
			for _, line := range snap.SystemChecks {
				system = append(system, renderStatusLine(line.Label, statusKindFromSeverity(line.Severity), line.Detail, colorize))
			}
			printSection(stdout, "System Status", system, colorize)
			fmt.Fprintln(stdout)

			printSection(stdout, "Preflight", preflightLines(snap.Preflight, colorize), colorize)
			fmt.Fprintln(stdout)

			printSection(stdout, "Job Status", nil, colorize)
			rows := buildJobCountRows(snap.JobCounts)
			if len(rows) == 0 {
				fmt.Fprintln(stdout, "No tracked jobs")
				return nil
			}
			fmt.Fprint(stdout, renderTable([]string{"Status", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
			return nil
		},
	}
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the status snapshot as JSON")

	return []*cobra.Command{startCmd, stopCmd, statusCmd}
}

func buildJobCountRows(counts map[string]int) [][]string {
	keys := make([]string, 0, len(counts))
	for status, count := range counts {
		if count > 0 {
			keys = append(keys, status)
		}
	}
	sort.Strings(keys)
	rows := make([][]string, 0, len(keys))
	for _, status := range keys {
		rows = append(rows, []string{titleCase(status), strconv.Itoa(counts[status])})
	}
	return rows
}

func daemonExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	return exe, nil
}
