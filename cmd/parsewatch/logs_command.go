package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"parsewatch/internal/logs"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var (
		lines  int
		follow bool
		filter logs.Filter
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print recent log lines from the daily log file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			dir := strings.TrimSpace(cfg.Paths.LogDir)
			if dir == "" {
				return errors.New("paths.log_dir is not configured")
			}
			out := cmd.OutOrStdout()
			path, err := logs.LatestFile(dir)
			if errors.Is(err, logs.ErrNoLogs) && !follow {
				fmt.Fprintf(out, "No log files in %s\n", dir)
				return nil
			}
			if err != nil {
				return err
			}

			recent, offset, err := logs.Last(path, lines, filter)
			if err != nil {
				return err
			}
			for _, line := range recent {
				fmt.Fprintln(out, line)
			}
			if !follow {
				return nil
			}
			fw := logs.Follower{Dir: dir, Filter: filter}
			err = fw.Run(cmd.Context(), path, offset, func(line string) { fmt.Fprintln(out, line) })
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new lines")
	cmd.Flags().StringVar(&filter.JobID, "job", "", "Only show lines for this job ID")
	cmd.Flags().StringVar(&filter.MinLevel, "level", "", "Minimum level (debug, info, warn, error)")
	return cmd
}
