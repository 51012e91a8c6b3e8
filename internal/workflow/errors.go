package workflow

import (
	"errors"
	"fmt"

	"parsewatch/internal/backend"
)

var (
	// ErrJobExpired means the job's results were deleted server-side.
	ErrJobExpired = fmt.Errorf("job results expired: %w", backend.ErrResourceGone)
	// ErrJobFailed means the job ended without results.
	ErrJobFailed = errors.New("job failed")
	// ErrJobNotReady means the job has not completed yet.
	ErrJobNotReady = errors.New("job not completed")
	// ErrQuotaExceeded means the usage counter leaves no room for another upload.
	ErrQuotaExceeded = errors.New("usage quota exhausted")
)

func jobError(marker error, id, detail string) error {
	if detail == "" {
		return fmt.Errorf("job %s: %w", id, marker)
	}
	return fmt.Errorf("job %s: %w: %s", id, marker, detail)
}
