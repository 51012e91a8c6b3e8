package main

import (
	"context"
	"time"

	"parsewatch/internal/jobs"
	"parsewatch/internal/workflow"
)

// jobView is the JSON shape of a job.
type jobView struct {
	ID               string     `json:"id"`
	Filename         string     `json:"filename,omitempty"`
	Status           string     `json:"status"`
	Progress         int        `json:"progress"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	RemainingSeconds *int64     `json:"remaining_seconds,omitempty"`
	Expired          bool       `json:"expired"`
	TotalRows        *int       `json:"total_rows,omitempty"`
	SuccessfulParses *int       `json:"successful_parses,omitempty"`
	FailedParses     *int       `json:"failed_parses,omitempty"`
	Error            string     `json:"error,omitempty"`

	remaining      time.Duration
	remainingKnown bool
	job            jobs.Job
}

func buildJobView(ctx context.Context, coord *workflow.Coordinator, job jobs.Job) jobView {
	view := jobView{
		ID:        job.ID,
		Filename:  job.Filename,
		Status:    string(job.Status),
		Progress:  job.Progress,
		CreatedAt: job.CreatedAt,
		ExpiresAt: job.ExpiresAt,
		job:       job,
	}
	if job.Result != nil {
		view.TotalRows = &job.Result.TotalRows
		view.SuccessfulParses = &job.Result.SuccessfulParses
		view.FailedParses = &job.Result.FailedParses
	}
	if job.Error != nil {
		view.Error = job.Error.Message
	}
	if remaining, ok, err := coord.Remaining(ctx, job.ID); err == nil && ok {
		secs := int64(remaining / time.Second)
		view.RemainingSeconds = &secs
		view.remaining = remaining
		view.remainingKnown = true
	}
	if expired, err := coord.IsExpired(ctx, job.ID); err == nil {
		view.Expired = expired
	}
	return view
}

func jobTableRows(views []jobView) ([]string, [][]string, []columnAlignment) {
	headers := []string{"ID", "File", "Status", "Progress", "Created", "Expires In"}
	aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignRight}
	rows := make([][]string, 0, len(views))
	for _, v := range views {
		created := "-"
		if !v.CreatedAt.IsZero() {
			created = v.CreatedAt.Local().Format("2006-01-02 15:04")
		}
		rows = append(rows, []string{
			v.ID,
			v.job.Label(),
			displayStatus(v.job.Status),
			formatProgress(v.job),
			created,
			formatRemaining(v.remaining, v.remainingKnown),
		})
	}
	return headers, rows, aligns
}
