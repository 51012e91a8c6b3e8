package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"parsewatch/internal/config"
	"parsewatch/internal/logging"
)

const maxErrorBody = 64 << 10

// Options configures a Client.
type Options struct {
	BaseURL   string
	Token     string
	UserAgent string
	// Timeout bounds every JSON call. Downloads are bounded by the caller's
	// context only.
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the processing and billing API.
type Client struct {
	base      *url.URL
	token     string
	userAgent string
	timeout   time.Duration
	http      *http.Client
	logger    *slog.Logger
}

// New constructs a client for opts.BaseURL.
func New(opts Options) (*Client, error) {
	raw := strings.TrimSpace(opts.BaseURL)
	if raw == "" {
		return nil, errors.New("backend: base url is required")
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("backend: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend: unsupported scheme %q", base.Scheme)
	}
	base.RawQuery = ""
	base.Fragment = ""

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		base:      base,
		token:     strings.TrimSpace(opts.Token),
		userAgent: strings.TrimSpace(opts.UserAgent),
		timeout:   opts.Timeout,
		http:      httpClient,
		logger:    logging.NewComponentLogger(opts.Logger, "backend"),
	}, nil
}

// NewFromConfig builds a client from the [api] section.
func NewFromConfig(cfg *config.Config, logger *slog.Logger) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("backend: config is required")
	}
	return New(Options{
		BaseURL:   cfg.API.BaseURL,
		Token:     cfg.API.Token,
		UserAgent: cfg.API.UserAgent,
		Timeout:   cfg.RequestTimeout(),
		Logger:    logger,
	})
}

func (c *Client) endpoint(query url.Values, segments ...string) string {
	u := c.base.JoinPath(segments...)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

type request struct {
	operation   string
	method      string
	url         string
	body        io.Reader
	contentType string
	kind        endpointKind
	// stream skips the JSON timeout; the body is consumed by the caller.
	stream bool
}

// send performs req and returns the response for 2xx statuses. The caller
// owns the body. The returned cancel must be called once the body is drained.
func (c *Client) send(ctx context.Context, req request) (*http.Response, context.CancelFunc, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cancel := context.CancelFunc(func() {})
	if !req.stream && c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}

	requestID := uuid.NewString()
	ctx = logging.WithRequestID(ctx, requestID)
	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, req.body)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("%s: build request: %w", req.operation, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", requestID)
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	started := time.Now()
	resp, err := c.http.Do(httpReq)
	logger := logging.WithContext(ctx, c.logger)
	if err != nil {
		cancel()
		logger.Debug("backend request failed",
			logging.String("http_method", req.method),
			logging.String("http_path", httpReq.URL.Path),
			logging.Duration("elapsed", time.Since(started)),
			logging.Error(err),
		)
		return nil, nil, Wrap(ErrTransient, req.operation, "", err)
	}
	logger.Debug("backend request",
		logging.String("http_method", req.method),
		logging.String("http_path", httpReq.URL.Path),
		logging.Int("status", resp.StatusCode),
		logging.Duration("elapsed", time.Since(started)),
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, cancel, nil
	}
	defer cancel()
	defer resp.Body.Close()
	apiErr := decodeAPIError(resp)
	return nil, nil, Wrap(classifyStatus(req.kind, apiErr), req.operation, "", apiErr)
}

// doJSON performs req and returns the raw body of a 2xx response.
func (c *Client) doJSON(ctx context.Context, req request) ([]byte, error) {
	resp, cancel, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Wrap(ErrTransient, req.operation, "read body", err)
	}
	return raw, nil
}

func decodeAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return apiErr
	}
	var payload struct {
		Title  string          `json:"title"`
		Detail json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(raw, &payload) != nil {
		apiErr.Detail = strings.TrimSpace(string(raw))
		return apiErr
	}
	if payload.Title != "" {
		apiErr.Title = payload.Title
	}
	var detail string
	if json.Unmarshal(payload.Detail, &detail) == nil {
		apiErr.Detail = detail
	} else if len(payload.Detail) > 0 {
		apiErr.Detail = string(payload.Detail)
	}
	return apiErr
}
