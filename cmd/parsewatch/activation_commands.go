package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"parsewatch/internal/activation"
	"parsewatch/internal/workflow"
)

func newActivationCommand(ctx *commandContext) *cobra.Command {
	activationCmd := &cobra.Command{
		Use:   "activation",
		Short: "Inspect and manage provisional access after registration or checkout",
	}
	activationCmd.AddCommand(newActivationStatusCommand(ctx))
	activationCmd.AddCommand(newActivationTriggerCommand(ctx))
	activationCmd.AddCommand(newActivationPendingCommand(ctx))
	activationCmd.AddCommand(newActivationObserveCommand(ctx))
	activationCmd.AddCommand(newActivationClearCommand(ctx))
	return activationCmd
}

type graceView struct {
	Reason           string    `json:"reason"`
	State            string    `json:"state"`
	ActivatedAt      time.Time `json:"activated_at"`
	Deadline         time.Time `json:"deadline"`
	RemainingSeconds int64     `json:"remaining_seconds"`
}

type activationView struct {
	Entitled            bool        `json:"entitled"`
	Subscription        *bool       `json:"subscription,omitempty"`
	RegistrationPending bool        `json:"registration_pending"`
	Graces              []graceView `json:"graces"`
}

func buildActivationView(st activation.Status) activationView {
	view := activationView{
		Entitled:            st.Entitled,
		RegistrationPending: st.RegistrationPending,
		Graces:              make([]graceView, 0, len(st.Graces)),
	}
	if st.AuthoritativeKnown {
		v := st.Authoritative
		view.Subscription = &v
	}
	for _, g := range st.Graces {
		view.Graces = append(view.Graces, graceView{
			Reason:           string(g.Reason),
			State:            g.State.String(),
			ActivatedAt:      g.ActivatedAt,
			Deadline:         g.Deadline,
			RemainingSeconds: int64(g.Remaining / time.Second),
		})
	}
	return view
}

func printActivation(cmd *cobra.Command, ctx *commandContext, st activation.Status) error {
	view := buildActivationView(st)
	if ctx.jsonOutput() {
		return writeJSON(cmd, view)
	}
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)
	for _, line := range renderSectionHeader("Activation", colorize) {
		fmt.Fprintln(out, line)
	}
	entitledKind := statusWarn
	if st.Entitled {
		entitledKind = statusOK
	}
	fmt.Fprintln(out, renderStatusLine("Access", entitledKind, yesNo(st.Entitled), colorize))
	subscription := "unknown"
	if st.AuthoritativeKnown {
		subscription = yesNo(st.Authoritative)
	}
	fmt.Fprintln(out, renderStatusLine("Subscription", statusInfo, subscription, colorize))
	if st.RegistrationPending {
		fmt.Fprintln(out, renderStatusLine("Registration", statusInfo, "pending checkout", colorize))
	}
	for _, g := range st.Graces {
		kind := statusInfo
		msg := titleCaser.String(g.State.String())
		switch g.State {
		case activation.StateActive:
			kind = statusOK
			msg += ", " + compactDuration(g.Remaining) + " left"
		case activation.StateExpired:
			kind = statusWarn
		}
		fmt.Fprintln(out, renderStatusLine("Grace "+string(g.Reason), kind, msg, colorize))
	}
	return nil
}

func newActivationStatusCommand(ctx *commandContext) *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show provisional access and subscription state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, appOptions{}, func(a *app) error {
				if !offline {
					if _, err := a.coord.RefreshQuota(cmd.Context()); err != nil {
						return err
					}
				}
				st, err := a.coord.ActivationStatus(cmd.Context())
				if err != nil {
					return err
				}
				return printActivation(cmd, ctx, st)
			})
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "Report persisted state without asking the backend")
	return cmd
}

func newActivationTriggerCommand(ctx *commandContext) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:       "trigger <reason>",
		Short:     "Open a provisional access window (post_registration or post_payment_redirect)",
		Args:      cobra.ExactArgs(1),
		ValidArgs: reasonArgs(),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, err := activation.ParseReason(args[0])
			if err != nil {
				return err
			}
			resolved := make(chan workflow.Event, 1)
			opts := appOptions{listen: func(ev workflow.Event) {
				if ev.Kind == workflow.EventGraceConfirmed || (ev.Kind == workflow.EventGraceExpired && ev.Reason == reason) {
					select {
					case resolved <- ev:
					default:
					}
				}
			}}
			return ctx.withApp(cmd, opts, func(a *app) error {
				if err := a.coord.TriggerGrace(cmd.Context(), reason); err != nil {
					return err
				}
				if wait {
					select {
					case <-cmd.Context().Done():
						return cmd.Context().Err()
					case <-resolved:
					}
				}
				st, err := a.coord.ActivationStatus(cmd.Context())
				if err != nil {
					return err
				}
				return printActivation(cmd, ctx, st)
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "Keep checking until the subscription is confirmed or the window ends")
	return cmd
}

func newActivationPendingCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Record that a registration checkout is in progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, appOptions{}, func(a *app) error {
				if err := a.coord.MarkRegistrationPending(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Registration marked pending")
				return nil
			})
		},
	}
}

func newActivationObserveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "observe <url>",
		Short: "Process a checkout return URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, appOptions{}, func(a *app) error {
				triggered, err := a.coord.ObserveRedirect(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !triggered {
					fmt.Fprintln(cmd.OutOrStdout(), "URL is not a successful checkout return; nothing changed")
					return nil
				}
				st, err := a.coord.ActivationStatus(cmd.Context())
				if err != nil {
					return err
				}
				return printActivation(cmd, ctx, st)
			})
		},
	}
}

func newActivationClearCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Forget every provisional access window and pending marker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, appOptions{}, func(a *app) error {
				if err := a.coord.ClearActivation(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Activation state cleared")
				return nil
			})
		},
	}
}

func reasonArgs() []string {
	reasons := activation.Reasons()
	out := make([]string, 0, len(reasons))
	for _, r := range reasons {
		out = append(out, string(r))
	}
	return out
}
