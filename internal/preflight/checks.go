package preflight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"parsewatch/internal/backend"
	"parsewatch/internal/config"
	"parsewatch/internal/session"
)

const probeKey = "preflight.probe"

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	if strings.TrimSpace(path) == "" {
		return Result{Name: name, Detail: "not configured"}
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckSession opens the configured session store and round-trips a probe key.
func CheckSession(ctx context.Context, cfg *config.Config, logger *slog.Logger) Result {
	name := "Session store (" + cfg.Session.Backend + ")"

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	store, err := session.Open(checkCtx, cfg, logger)
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}
	defer store.Close()

	stamp := time.Now().UTC().Format(time.RFC3339Nano)
	if err := store.Set(checkCtx, probeKey, stamp); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("write failed (%v)", err)}
	}
	got, ok, err := store.Get(checkCtx, probeKey)
	_ = store.Delete(checkCtx, probeKey)
	switch {
	case err != nil:
		return Result{Name: name, Detail: fmt.Sprintf("read failed (%v)", err)}
	case !ok || got != stamp:
		return Result{Name: name, Detail: "read back a different value"}
	}
	return Result{Name: name, Passed: true, Detail: "read/write ok"}
}

// CheckBackend verifies the API is reachable and the token is accepted by
// fetching the entitlement once.
func CheckBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) Result {
	const name = "Backend API"

	if strings.TrimSpace(cfg.API.Token) == "" {
		return Result{Name: name, Detail: "missing api token"}
	}
	client, err := backend.NewFromConfig(cfg, logger)
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	ent, err := client.Entitlement(checkCtx)
	if err != nil {
		return Result{Name: name, Detail: summarizeBackendError(err)}
	}
	detail := "reachable, no active subscription"
	if ent.Active {
		detail = "reachable, subscription active"
	}
	return Result{Name: name, Passed: true, Detail: detail}
}

// CheckNtfy verifies the ntfy server answers. Topics accept GET /json?poll=1
// without publishing anything.
func CheckNtfy(ctx context.Context, topic string) Result {
	const name = "ntfy"

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := strings.TrimRight(strings.TrimSpace(topic), "/") + "/json?poll=1&since=0s"
	req, err := http.NewRequestWithContext(checkCtx, http.MethodGet, url, nil)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("check failed (%v)", err)}
	}
	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("check failed (%v)", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return Result{Name: name, Passed: true, Detail: "Reachable"}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Result{Name: name, Detail: "topic requires authentication"}
	default:
		return Result{Name: name, Detail: fmt.Sprintf("check failed (%d)", resp.StatusCode)}
	}
}

// summarizeBackendError produces a human-readable summary for backend check failures.
func summarizeBackendError(err error) string {
	switch {
	case errors.Is(err, backend.ErrUnauthorized):
		return "token rejected (check api.token)"
	case errors.Is(err, context.DeadlineExceeded):
		return "check timed out (API unresponsive)"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "check timed out (API unreachable)"
	}
	return err.Error()
}
