package backend

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrTransient covers network failures, timeouts, 5xx responses, and
	// malformed payloads. Pollers retry these on the next tick.
	ErrTransient = errors.New("transient backend failure")
	// ErrResourceGone means the job's data was deleted after its retention
	// deadline. Retrying will not help; the file must be processed again.
	ErrResourceGone = errors.New("resource gone")
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRejected marks any other 4xx response; the wrapped *APIError holds
	// the details.
	ErrRejected = errors.New("request rejected")
)

// APIError carries the status and problem detail of a non-2xx response.
type APIError struct {
	StatusCode int
	Title      string
	Detail     string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("status %d", e.StatusCode)
	if e.Title != "" {
		msg += " " + e.Title
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Wrap tags err with marker and the failing operation so errors.Is can
// classify it later.
func Wrap(marker error, operation, message string, err error) error {
	if marker == nil {
		marker = ErrTransient
	}
	parts := make([]string, 0, 2)
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	detail := strings.Join(parts, ": ")
	if detail == "" {
		detail = "backend call"
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// IsTransient reports whether err should be retried silently.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

type endpointKind int

const (
	endpointGeneric endpointKind = iota
	// endpointResource serves job data that is deleted at the retention
	// deadline (results, download).
	endpointResource
)

func classifyStatus(kind endpointKind, apiErr *APIError) error {
	switch code := apiErr.StatusCode; {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrUnauthorized
	case code == http.StatusGone:
		return ErrResourceGone
	case code == http.StatusNotFound && kind == endpointResource:
		return ErrResourceGone
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return ErrTransient
	default:
		return ErrRejected
	}
}
