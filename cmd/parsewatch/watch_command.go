package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"parsewatch/internal/logging"
	"parsewatch/internal/preflight"
	"parsewatch/internal/workflow"
)

const watchLockName = "watch.lock"

func newWatchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow every job, warn before results expire, and reconcile activation",
		Long: "Runs in the foreground until interrupted. Only one watch may run per state directory; " +
			"it polls active jobs, reports expiry warnings, publishes ntfy notifications when configured, " +
			"and confirms provisional access after checkout.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger(true)
			if err != nil {
				return err
			}
			if failed := preflight.Failed(preflight.RunLocal(cmd.Context(), cfg, logger)); len(failed) > 0 {
				lines := make([]string, 0, len(failed))
				for _, r := range failed {
					lines = append(lines, r.Name+": "+r.Detail)
				}
				return fmt.Errorf("preflight failed:\n  %s", strings.Join(lines, "\n  "))
			}

			lockPath := filepath.Join(cfg.Paths.StateDir, watchLockName)
			lock := flock.New(lockPath)
			ok, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire lock: %w", err)
			}
			if !ok {
				return errors.New("another parsewatch watch is already running for this state directory")
			}
			defer func() {
				if err := lock.Unlock(); err != nil {
					logger.Warn("failed to release watch lock", logging.Error(err))
				}
			}()

			out := cmd.OutOrStdout()
			printer := &eventPrinter{out: out, colorize: shouldColorize(out), json: ctx.jsonOutput()}
			opts := appOptions{console: true, notify: true, adopt: true, listen: printer.print}
			return ctx.withApp(cmd, opts, func(a *app) error {
				listed, err := a.coord.Sync(cmd.Context())
				if err != nil {
					logging.WarnWithContext(a.logger, "initial job listing failed", "initial_sync_failed",
						logging.Error(err),
						logging.String(logging.FieldImpact, "only jobs uploaded from now on are followed until the backend responds"),
					)
				}
				active, _ := a.coord.ActiveCount(cmd.Context())
				a.logger.Info("parsewatch watch started",
					logging.String("lock", lockPath),
					logging.Int("jobs", len(listed)),
					logging.Int("active", active),
				)
				<-cmd.Context().Done()
				a.logger.Info("parsewatch watch stopped")
				if errors.Is(cmd.Context().Err(), context.Canceled) {
					return nil
				}
				return cmd.Context().Err()
			})
		},
	}
}

// eventPrinter renders coordinator events for the watch command. It runs on
// the loop goroutine.
type eventPrinter struct {
	out      io.Writer
	colorize bool
	json     bool
}

type eventLine struct {
	Kind      workflow.EventKind `json:"kind"`
	At        string             `json:"at"`
	JobID     string             `json:"job_id,omitempty"`
	Status    string             `json:"status,omitempty"`
	Remaining *int64             `json:"remaining_seconds,omitempty"`
	Reasons   []string           `json:"reasons,omitempty"`
	Failures  int                `json:"failures,omitempty"`
	Error     string             `json:"error,omitempty"`
}

func (p *eventPrinter) print(ev workflow.Event) {
	if ev.Kind == workflow.EventJobsChanged || ev.Kind == workflow.EventQuotaUpdated {
		return
	}
	if p.json {
		p.printJSON(ev)
		return
	}
	label, kind, message := describeEvent(ev)
	fmt.Fprintf(p.out, "%s %s\n", ev.At.Local().Format("15:04:05"), renderStatusLine(label, kind, message, p.colorize))
}

func (p *eventPrinter) printJSON(ev workflow.Event) {
	line := eventLine{Kind: ev.Kind, At: ev.At.UTC().Format("2006-01-02T15:04:05Z07:00"), JobID: ev.JobID, Failures: ev.Failures}
	if ev.Job != nil {
		line.Status = string(ev.Job.Status)
	}
	if ev.Kind == workflow.EventJobWarning || ev.Kind == workflow.EventJobExpired {
		secs := int64(ev.Remaining.Seconds())
		line.Remaining = &secs
	}
	if ev.Reason != "" {
		line.Reasons = append(line.Reasons, string(ev.Reason))
	}
	for _, r := range ev.Reasons {
		line.Reasons = append(line.Reasons, string(r))
	}
	if ev.Err != nil {
		line.Error = ev.Err.Error()
	}
	_ = writeJSONTo(p.out, line)
}

func describeEvent(ev workflow.Event) (string, statusKind, string) {
	switch ev.Kind {
	case workflow.EventJobFinished:
		return ev.Job.Label(), jobStatusKind(ev.Job.Status), finishSummary(*ev.Job)
	case workflow.EventJobWarning:
		return ev.JobID, statusWarn, "results expire in " + compactDuration(ev.Remaining) + "; download them now"
	case workflow.EventJobExpired:
		return ev.JobID, statusError, "results expired; upload the file again to regenerate them"
	case workflow.EventSyncDegraded:
		return "Sync", statusWarn, fmt.Sprintf("backend unreachable after %d attempts: %v", ev.Failures, ev.Err)
	case workflow.EventSyncRecovered:
		return "Sync", statusOK, "backend reachable again"
	case workflow.EventGraceExpired:
		return "Activation", statusWarn, "provisional access (" + string(ev.Reason) + ") ended without confirmation"
	case workflow.EventGraceConfirmed:
		return "Activation", statusOK, "subscription confirmed"
	default:
		return string(ev.Kind), statusInfo, ""
	}
}
