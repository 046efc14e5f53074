package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"genrelay/internal/retry"
)

func newRetryCommand(ctx *commandContext) *cobra.Command {
	retryCmd := &cobra.Command{
		Use:   "retry",
		Short: "Retry schedule utilities",
	}
	retryCmd.AddCommand(newRetryPreviewCommand(ctx))
	return retryCmd
}

func newRetryPreviewCommand(ctx *commandContext) *cobra.Command {
	var (
		base      time.Duration
		factor    float64
		maxTries  int
		attempts  int
		remaining int
	)
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Show the delays a retry engine would use",
		RunE: func(cmd *cobra.Command, args []string) error {
			rc := retry.Config{
				MaxRetries: maxTries,
				BaseDelay:  base,
				Factor:     factor,
			}
			if cfg := ctx.configValue(); cfg != nil {
				if !cmd.Flags().Changed("base") {
					rc.BaseDelay = cfg.Retry.BaseDelay()
				}
				if !cmd.Flags().Changed("factor") {
					rc.Factor = cfg.Retry.Factor
				}
				if !cmd.Flags().Changed("max") {
					rc.MaxRetries = cfg.Retry.MaxRetries
				}
			}
			engine, err := retry.New(rc)
			if err != nil {
				return err
			}
			for range attempts {
				engine.RecordFailure()
			}
			delays := engine.PreviewDelays(remaining)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Base %s, factor %g, max retries %d\n", rc.BaseDelay, rc.Factor, rc.MaxRetries)
			if len(delays) == 0 {
				fmt.Fprintln(out, "No retries remaining")
				return nil
			}
			rows := make([][]string, 0, len(delays))
			var total time.Duration
			for i, d := range delays {
				total += d
				rows = append(rows, []string{strconv.Itoa(attempts + i + 1), d.String(), total.String()})
			}
			fmt.Fprint(out, renderTable([]string{"Attempt", "Delay", "Elapsed"}, rows,
				[]columnAlignment{alignRight, alignRight, alignRight}))
			return nil
		},
	}
	cmd.Flags().DurationVar(&base, "base", 500*time.Millisecond, "Base delay")
	cmd.Flags().Float64Var(&factor, "factor", 2, "Backoff multiplier")
	cmd.Flags().IntVar(&maxTries, "max", 5, "Maximum retries")
	cmd.Flags().IntVar(&attempts, "attempts", 0, "Failures already recorded")
	cmd.Flags().IntVar(&remaining, "remaining", 0, "Limit the preview to this many retries (0 = all)")
	return cmd
}
