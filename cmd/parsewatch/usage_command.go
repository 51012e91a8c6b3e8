package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"parsewatch/internal/workflow"
)

type usageView struct {
	Tier        string     `json:"tier"`
	Used        int        `json:"used"`
	Limit       string     `json:"limit"`
	Remaining   string     `json:"remaining"`
	PercentUsed float64    `json:"percent_used"`
	NearLimit   bool       `json:"near_limit"`
	ResetAt     *time.Time `json:"reset_at,omitempty"`
	Entitled    bool       `json:"entitled"`
}

func newUsageCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show the parsing quota for the current period",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, appOptions{}, func(a *app) error {
				q, err := a.coord.RefreshQuota(cmd.Context())
				if err != nil {
					return err
				}
				entitled, err := a.coord.Entitled(cmd.Context())
				if err != nil {
					return err
				}
				view := buildUsageView(q, entitled)
				if ctx.jsonOutput() {
					return writeJSON(cmd, view)
				}
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				for _, line := range renderSectionHeader("Usage", colorize) {
					fmt.Fprintln(out, line)
				}
				usageKind := statusOK
				switch {
				case q.PercentUsed >= 100:
					usageKind = statusError
				case q.NearLimit:
					usageKind = statusWarn
				}
				fmt.Fprintln(out, renderStatusLine("Tier", statusInfo, titleCaser.String(view.Tier), colorize))
				fmt.Fprintln(out, renderStatusLine("Used", usageKind, q.Display, colorize))
				fmt.Fprintln(out, renderStatusLine("Remaining", usageKind, view.Remaining, colorize))
				if view.ResetAt != nil {
					fmt.Fprintln(out, renderStatusLine("Resets", statusInfo, view.ResetAt.Local().Format("2006-01-02 15:04"), colorize))
				}
				fmt.Fprintln(out, renderStatusLine("Subscription", statusInfo, yesNo(entitled), colorize))
				return nil
			})
		},
	}
}

func buildUsageView(q workflow.QuotaStatus, entitled bool) usageView {
	view := usageView{
		Tier:        string(q.Counter.Tier),
		Used:        q.Counter.Used,
		Limit:       q.Counter.Limit.String(),
		Remaining:   q.Remaining.String(),
		PercentUsed: q.PercentUsed,
		NearLimit:   q.NearLimit,
		Entitled:    entitled,
	}
	if !q.Counter.ResetAt.IsZero() {
		reset := q.Counter.ResetAt
		view.ResetAt = &reset
	}
	return view
}
