package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"genrelay/internal/ipc"
	"genrelay/internal/jobs"
)

var titleCaser = cases.Title(language.English)

func titleCase(s string) string {
	return titleCaser.String(strings.ReplaceAll(s, "_", " "))
}

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List tracked generation jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.ListJobs(statuses)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp.Jobs)
				}
				out := cmd.OutOrStdout()
				if len(resp.Jobs) == 0 {
					fmt.Fprintln(out, "No jobs")
					return nil
				}
				rows := make([][]string, 0, len(resp.Jobs))
				for _, job := range resp.Jobs {
					rows = append(rows, []string{
						job.ID,
						titleCase(job.Status),
						formatProgress(job.Progress),
						truncate(job.Prompt, 40),
						job.UpdatedAt,
					})
				}
				fmt.Fprint(out, renderTable(
					[]string{"ID", "Status", "Progress", "Prompt", "Updated"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by status (pending, running, paused, cancelled, completed, error)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print jobs as JSON")
	return cmd
}

func newPausedCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "paused",
		Short: "List jobs saved while paused",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.PausedJobs()
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				if len(resp.Stored) == 0 && len(resp.Memory) == 0 {
					fmt.Fprintln(out, "No paused jobs")
					return nil
				}
				rows := pausedRows("stored", resp.Stored)
				rows = append(rows, pausedRows("memory", resp.Memory)...)
				fmt.Fprint(out, renderTable(
					[]string{"ID", "Source", "Resume Point", "Progress", "Paused At"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print paused jobs as JSON")
	return cmd
}

func pausedRows(source string, records []jobs.PausedRecord) [][]string {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		pausedAt := ""
		if rec.PausedAt > 0 {
			pausedAt = time.UnixMilli(rec.PausedAt).UTC().Format(time.RFC3339)
		}
		rows = append(rows, []string{rec.ID, source, string(rec.ResumePoint), formatProgress(rec.Progress), pausedAt})
	}
	return rows
}

func newNetworkCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "network",
		Short: "Show connectivity monitor state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				status, err := client.NetworkStatus()
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, status)
				}
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)

				state := renderStatusLine("Connectivity", statusInfo, "Not probed yet", colorize)
				if status.Probed && status.Online {
					state = renderStatusLine("Connectivity", statusOK, "Online", colorize)
				} else if status.Probed {
					state = renderStatusLine("Connectivity", statusError, "Offline", colorize)
				}
				lines := []string{
					state,
					renderStatusLine("Monitor running", statusInfo, yesNo(status.Running), colorize),
					renderStatusLine("Probe address", statusInfo, status.ProbeAddress, colorize),
					renderStatusLine("Interval", statusInfo, status.Interval.String(), colorize),
					renderStatusLine("Netlink", statusInfo, yesNo(status.Netlink), colorize),
				}
				if !status.LastChange.IsZero() {
					lines = append(lines, renderStatusLine("Last change", statusInfo, status.LastChange.UTC().Format(time.RFC3339), colorize))
				}
				if status.PendingSince != nil {
					lines = append(lines, renderStatusLine("Pending since", statusWarn, status.PendingSince.UTC().Format(time.RFC3339), colorize))
				}
				if len(status.PausedByNetwork) > 0 {
					lines = append(lines, renderStatusLine("Paused by outage", statusWarn, strings.Join(status.PausedByNetwork, ", "), colorize))
				}
				printSection(out, "Network", lines, colorize)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print monitor state as JSON")
	return cmd
}

func formatProgress(p jobs.Progress) string {
	if p.Total <= 0 {
		return "-"
	}
	return fmt.Sprintf("%d/%d", p.Current, p.Total)
}

func truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}
