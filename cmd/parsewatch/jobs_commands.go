package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"parsewatch/internal/backend"
	"parsewatch/internal/export"
	"parsewatch/internal/jobs"
	"parsewatch/internal/workflow"
)

func newUploadCommand(ctx *commandContext) *cobra.Command {
	var watch bool
	var exportPath string

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a CSV or spreadsheet of names for parsing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if exportPath != "" && !watch {
				return errors.New("--export requires --watch")
			}
			if exportPath != "" {
				if _, err := export.FormatForPath(exportPath); err != nil {
					return err
				}
			}
			path := strings.TrimSpace(args[0])
			file, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open %s: %w", path, err)
			}
			defer file.Close()

			var target atomic.Value
			target.Store("")
			updates := make(chan workflow.Event, 32)
			finished := make(chan workflow.Event, 2)
			opts := appOptions{console: false, notify: watch}
			if watch {
				opts.listen = func(ev workflow.Event) {
					id, _ := target.Load().(string)
					if id == "" {
						return
					}
					switch ev.Kind {
					case workflow.EventJobFinished, workflow.EventJobExpired:
						if ev.JobID == id {
							select {
							case finished <- ev:
							default:
							}
						}
					case workflow.EventJobsChanged, workflow.EventSyncDegraded, workflow.EventSyncRecovered:
						select {
						case updates <- ev:
						default:
						}
					}
				}
			}

			return ctx.withApp(cmd, opts, func(a *app) error {
				job, err := a.coord.Upload(cmd.Context(), filepath.Base(path), file)
				if err != nil {
					return err
				}
				target.Store(job.ID)
				if ctx.jsonOutput() && !watch {
					return writeJSON(cmd, buildJobView(cmd.Context(), a.coord, job))
				}
				out := cmd.OutOrStdout()
				if !ctx.jsonOutput() {
					fmt.Fprintf(out, "Uploaded %s as job %s", job.Label(), job.ID)
					if job.EstimatedSeconds > 0 {
						fmt.Fprintf(out, " (estimated %s)", compactDuration(time.Duration(job.EstimatedSeconds)*time.Second))
					}
					fmt.Fprintln(out)
				}
				if !watch {
					return nil
				}
				final, err := followJob(cmd, ctx, job.ID, updates, finished)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, buildJobView(cmd.Context(), a.coord, final))
				}
				if final.Status != jobs.StatusCompleted || exportPath == "" {
					return nil
				}
				return exportResults(cmd, a, final.ID, backend.MaxResultsLimit, exportPath)
			})
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Follow the job until it finishes")
	cmd.Flags().StringVar(&exportPath, "export", "", "Write results to this .xlsx or .csv file once the job completes")
	return cmd
}

// followJob prints progress for id until it reaches a terminal status.
func followJob(cmd *cobra.Command, ctx *commandContext, id string, updates <-chan workflow.Event, finished <-chan workflow.Event) (jobs.Job, error) {
	out := cmd.OutOrStdout()
	quiet := ctx.jsonOutput()
	lastProgress := -1
	var lastStatus jobs.Status
	for {
		select {
		case <-cmd.Context().Done():
			return jobs.Job{}, cmd.Context().Err()
		case ev := <-finished:
			if ev.Kind == workflow.EventJobExpired {
				return jobs.Job{}, fmt.Errorf("job %s: %w", id, workflow.ErrJobExpired)
			}
			job := *ev.Job
			if !quiet {
				fmt.Fprintln(out, renderStatusLine(job.Label(), jobStatusKind(job.Status), finishSummary(job), shouldColorize(out)))
			}
			if job.Status == jobs.StatusFailed {
				msg := "no reason given"
				if job.Error != nil && job.Error.Message != "" {
					msg = job.Error.Message
				}
				return job, fmt.Errorf("job %s failed: %s", id, msg)
			}
			return job, nil
		case ev := <-updates:
			if quiet {
				continue
			}
			switch ev.Kind {
			case workflow.EventSyncDegraded:
				fmt.Fprintln(out, renderStatusLine("Sync", statusWarn, fmt.Sprintf("backend unreachable after %d attempts", ev.Failures), shouldColorize(out)))
			case workflow.EventSyncRecovered:
				fmt.Fprintln(out, renderStatusLine("Sync", statusOK, "backend reachable again", shouldColorize(out)))
			case workflow.EventJobsChanged:
				for _, job := range ev.Jobs {
					if job.ID != id || job.Status.IsTerminal() {
						continue
					}
					if job.Status == lastStatus && job.Progress == lastProgress {
						continue
					}
					lastStatus, lastProgress = job.Status, job.Progress
					fmt.Fprintln(out, renderStatusLine(job.Label(), statusInfo, fmt.Sprintf("%s %d%%", displayStatus(job.Status), job.Progress), shouldColorize(out)))
				}
			}
		}
	}
}

func finishSummary(job jobs.Job) string {
	switch {
	case job.Status == jobs.StatusFailed && job.Error != nil:
		return "Failed: " + job.Error.Message
	case job.Result != nil:
		return fmt.Sprintf("%s: %d of %d names parsed (%.1f%%)",
			displayStatus(job.Status), job.Result.SuccessfulParses, job.Result.TotalRows, job.Result.SuccessRate())
	default:
		return displayStatus(job.Status)
	}
}

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:     "jobs",
		Aliases: []string{"ls"},
		Short:   "List jobs and when their results expire",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, appOptions{}, func(a *app) error {
				listed, err := a.coord.Sync(cmd.Context())
				if err != nil {
					return err
				}
				views := make([]jobView, 0, len(listed))
				for _, job := range listed {
					view := buildJobView(cmd.Context(), a.coord, job)
					if view.Expired && !all {
						continue
					}
					views = append(views, view)
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, views)
				}
				out := cmd.OutOrStdout()
				if len(views) == 0 {
					fmt.Fprintln(out, "No jobs")
					return nil
				}
				headers, rows, aligns := jobTableRows(views)
				table := tableSpec{headers: headers, rows: rows, aligns: aligns}
				if hidden := len(listed) - len(views); hidden > 0 {
					table.footer = fmt.Sprintf("%d expired hidden (use --all)", hidden)
				}
				fmt.Fprintln(out, table.render())
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include jobs whose results already expired")
	return cmd
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, appOptions{}, func(a *app) error {
				job, err := a.coord.Track(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				view := buildJobView(cmd.Context(), a.coord, job)
				if ctx.jsonOutput() {
					return writeJSON(cmd, view)
				}
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				for _, line := range renderSectionHeader("Job "+job.ID, colorize) {
					fmt.Fprintln(out, line)
				}
				fmt.Fprintln(out, renderStatusLine("File", statusInfo, job.Label(), colorize))
				fmt.Fprintln(out, renderStatusLine("Status", jobStatusKind(job.Status), finishSummary(job), colorize))
				if !job.Status.IsTerminal() {
					fmt.Fprintln(out, renderStatusLine("Progress", statusInfo, fmt.Sprintf("%d%%", job.Progress), colorize))
				}
				expiryKind := statusInfo
				if view.Expired {
					expiryKind = statusError
				}
				fmt.Fprintln(out, renderStatusLine("Expires in", expiryKind, formatRemaining(view.remaining, view.remainingKnown), colorize))
				return nil
			})
		},
	}
}

func newResultsCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var exportPath string

	cmd := &cobra.Command{
		Use:   "results <job-id>",
		Short: "Preview or export parsed names for a completed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if exportPath != "" {
				if _, err := export.FormatForPath(exportPath); err != nil {
					return err
				}
			}
			return ctx.withApp(cmd, appOptions{}, func(a *app) error {
				if limit <= 0 {
					limit = a.cfg.Results.DefaultLimit
				}
				if _, err := a.coord.Track(cmd.Context(), args[0]); err != nil {
					return err
				}
				if exportPath != "" {
					return exportResults(cmd, a, args[0], limit, exportPath)
				}
				res, err := a.coord.Results(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, res)
				}
				out := cmd.OutOrStdout()
				rows := make([][]string, 0, len(res.Rows))
				for _, row := range res.Rows {
					line := make([]string, len(res.Columns))
					for i, col := range res.Columns {
						if v, ok := row[col]; ok && v != nil {
							line[i] = fmt.Sprint(v)
						}
					}
					rows = append(rows, line)
				}
				fmt.Fprintln(out, renderTable(res.Columns, rows, nil))
				fmt.Fprintf(out, "Showing %d of %d rows\n", len(res.Rows), res.TotalRows)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum rows to fetch (1-1000)")
	cmd.Flags().StringVar(&exportPath, "export", "", "Write rows to this .xlsx or .csv file instead of printing them")
	return cmd
}

func exportResults(cmd *cobra.Command, a *app, id string, limit int, path string) error {
	res, err := a.coord.Results(cmd.Context(), id, limit)
	if err != nil {
		return err
	}
	if err := export.WriteFile(path, res, time.Now()); err != nil {
		return err
	}
	if res.TotalRows > len(res.Rows) {
		fmt.Fprintf(cmd.OutOrStdout(), "Exported %d of %d rows to %s (use download for the full file)\n", len(res.Rows), res.TotalRows, path)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Exported %d rows to %s\n", len(res.Rows), path)
	return nil
}

func newDownloadCommand(ctx *commandContext) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "download <job-id>",
		Short: "Download the full result file for a completed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, appOptions{}, func(a *app) error {
				id := strings.TrimSpace(args[0])
				if _, err := a.coord.Track(cmd.Context(), id); err != nil {
					return err
				}
				dir := a.cfg.Paths.DownloadDir
				if output != "" {
					dir = filepath.Dir(output)
				}
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create download directory: %w", err)
				}
				tmp, err := os.CreateTemp(dir, ".download-*")
				if err != nil {
					return fmt.Errorf("create download file: %w", err)
				}
				tmpName := tmp.Name()
				defer func() { _ = os.Remove(tmpName) }()

				n, name, err := a.coord.Download(cmd.Context(), id, tmp)
				if cerr := tmp.Close(); err == nil && cerr != nil {
					err = cerr
				}
				if err != nil {
					return err
				}
				target := output
				if target == "" {
					if name == "" {
						name = id + "_parsed.csv"
					}
					target = filepath.Join(dir, filepath.Base(name))
				}
				if err := os.Rename(tmpName, target); err != nil {
					return fmt.Errorf("save download: %w", err)
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, map[string]any{"job_id": id, "path": target, "bytes": n})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%d bytes)\n", target, n)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination file (default: download_dir/<server filename>)")
	return cmd
}

func newDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <job-id>",
		Aliases: []string{"rm"},
		Short:   "Delete a job and its files from the service",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, appOptions{}, func(a *app) error {
				id := strings.TrimSpace(args[0])
				err := a.coord.Delete(cmd.Context(), id)
				out := cmd.OutOrStdout()
				switch {
				case errors.Is(err, backend.ErrNotFound), errors.Is(err, backend.ErrResourceGone):
					fmt.Fprintf(out, "Job %s was already removed\n", id)
					return nil
				case err != nil:
					return err
				}
				fmt.Fprintf(out, "Deleted job %s\n", id)
				return nil
			})
		},
	}
}
