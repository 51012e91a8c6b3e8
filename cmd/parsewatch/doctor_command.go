package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"parsewatch/internal/notifications"
	"parsewatch/internal/preflight"
)

func newDoctorCommand(ctx *commandContext) *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check directories, the session store, the backend, and ntfy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger(false)
			if err != nil {
				return err
			}
			var results []preflight.Result
			if local {
				results = preflight.RunLocal(cmd.Context(), cfg, logger)
			} else {
				results = preflight.RunAll(cmd.Context(), cfg, logger)
			}
			if ctx.jsonOutput() {
				if err := writeJSON(cmd, results); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				for _, line := range renderSectionHeader("Preflight", colorize) {
					fmt.Fprintln(out, line)
				}
				for _, r := range results {
					kind := statusOK
					if !r.Passed {
						kind = statusError
					}
					fmt.Fprintln(out, renderStatusLine(r.Name, kind, r.Detail, colorize))
				}
			}
			if failed := preflight.Failed(results); len(failed) > 0 {
				return fmt.Errorf("%d of %d checks failed", len(failed), len(results))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "Skip network checks")
	return cmd
}

func newTestNotifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "test-notify",
		Short: "Send a test notification",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.Notifications.NtfyTopic == "" {
				return errors.New("notifications.ntfy_topic is not set")
			}
			if err := notifications.NewService(cfg).Publish(cmd.Context(), notifications.EventTest, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Test notification sent")
			return nil
		},
	}
}
