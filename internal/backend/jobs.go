package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"parsewatch/internal/jobs"
)

const (
	DefaultResultsLimit = 100
	MaxResultsLimit     = 1000
)

// UploadAck is the backend's acknowledgment of a new job.
type UploadAck struct {
	JobID            string
	EstimatedSeconds int
	Message          string
}

type uploadResponse struct {
	JobID                   string `json:"job_id"`
	Message                 string `json:"message"`
	EstimatedSeconds        *int   `json:"estimated_seconds"`
	EstimatedProcessingTime *int   `json:"estimated_processing_time"`
}

type jobPayload struct {
	ID               string    `json:"id"`
	Status           string    `json:"status"`
	Progress         *int      `json:"progress"`
	Filename         string    `json:"filename"`
	CreatedAt        Timestamp `json:"created_at"`
	ExpiresAt        Timestamp `json:"expires_at"`
	TotalRows        *int      `json:"total_rows"`
	SuccessfulParses *int      `json:"successful_parses"`
	FailedParses     *int      `json:"failed_parses"`
	ErrorMessage     string    `json:"error_message"`
}

func (p jobPayload) snapshot() jobs.Snapshot {
	s := jobs.Snapshot{
		ID:               strings.TrimSpace(p.ID),
		Status:           p.Status,
		CreatedAt:        p.CreatedAt.Time,
		ExpiresAt:        p.ExpiresAt.Ptr(),
		Filename:         p.Filename,
		TotalRows:        p.TotalRows,
		SuccessfulParses: p.SuccessfulParses,
		FailedParses:     p.FailedParses,
		ErrorMessage:     p.ErrorMessage,
	}
	if p.Progress != nil {
		s.Progress = *p.Progress
	}
	return s
}

// Upload submits a file for processing.
func (c *Client) Upload(ctx context.Context, filename string, content io.Reader) (UploadAck, error) {
	const op = "upload"
	name := filepath.Base(strings.TrimSpace(filename))
	if name == "" || name == "." || name == "/" {
		return UploadAck{}, errors.New("upload: filename is required")
	}
	if content == nil {
		return UploadAck{}, errors.New("upload: content is required")
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return UploadAck{}, fmt.Errorf("upload: create form: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return UploadAck{}, fmt.Errorf("upload: read %s: %w", name, err)
	}
	if err := writer.Close(); err != nil {
		return UploadAck{}, fmt.Errorf("upload: finalize form: %w", err)
	}

	raw, err := c.doJSON(ctx, request{
		operation:   op,
		method:      http.MethodPost,
		url:         c.endpoint(nil, "jobs"),
		body:        &body,
		contentType: writer.FormDataContentType(),
	})
	if err != nil {
		return UploadAck{}, err
	}
	var resp uploadResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return UploadAck{}, Wrap(ErrTransient, op, "decode response", err)
	}
	if strings.TrimSpace(resp.JobID) == "" {
		return UploadAck{}, Wrap(ErrTransient, op, "response without job_id", nil)
	}
	ack := UploadAck{JobID: strings.TrimSpace(resp.JobID), Message: resp.Message}
	switch {
	case resp.EstimatedSeconds != nil:
		ack.EstimatedSeconds = *resp.EstimatedSeconds
	case resp.EstimatedProcessingTime != nil:
		ack.EstimatedSeconds = *resp.EstimatedProcessingTime
	}
	return ack, nil
}

// ListJobs fetches every job visible to the caller in one request.
func (c *Client) ListJobs(ctx context.Context) ([]jobs.Snapshot, error) {
	const op = "list jobs"
	raw, err := c.doJSON(ctx, request{operation: op, method: http.MethodGet, url: c.endpoint(nil, "jobs")})
	if err != nil {
		return nil, err
	}
	if err := validatePayload(op, jobListSchemaRef, raw); err != nil {
		return nil, err
	}
	var resp struct {
		Jobs []jobPayload `json:"jobs"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, Wrap(ErrTransient, op, "decode response", err)
	}
	out := make([]jobs.Snapshot, 0, len(resp.Jobs))
	for _, p := range resp.Jobs {
		out = append(out, p.snapshot())
	}
	return out, nil
}

// GetJob fetches one job.
func (c *Client) GetJob(ctx context.Context, id string) (jobs.Snapshot, error) {
	const op = "get job"
	id = strings.TrimSpace(id)
	if id == "" {
		return jobs.Snapshot{}, errors.New("get job: id is required")
	}
	raw, err := c.doJSON(ctx, request{operation: op, method: http.MethodGet, url: c.endpoint(nil, "jobs", id)})
	if err != nil {
		return jobs.Snapshot{}, err
	}
	if err := validatePayload(op, jobSchemaRef, raw); err != nil {
		return jobs.Snapshot{}, err
	}
	var p jobPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return jobs.Snapshot{}, Wrap(ErrTransient, op, "decode response", err)
	}
	return p.snapshot(), nil
}

// Results is a preview of parsed rows.
type Results struct {
	JobID        string
	Filename     string
	TotalRows    int
	ReturnedRows int
	// Columns lists row keys in the order the backend sent them.
	Columns []string
	Rows    []map[string]any
}

// Results fetches up to limit parsed rows. limit is clamped to 1..1000 and
// defaults to 100 when zero.
func (c *Client) Results(ctx context.Context, id string, limit int) (Results, error) {
	const op = "job results"
	id = strings.TrimSpace(id)
	if id == "" {
		return Results{}, errors.New("job results: id is required")
	}
	limit = ClampResultsLimit(limit)
	query := url.Values{"limit": []string{strconv.Itoa(limit)}}
	raw, err := c.doJSON(ctx, request{
		operation: op,
		method:    http.MethodGet,
		url:       c.endpoint(query, "jobs", id, "results"),
		kind:      endpointResource,
	})
	if err != nil {
		return Results{}, err
	}
	var resp struct {
		JobID        string            `json:"job_id"`
		Filename     string            `json:"filename"`
		TotalRows    int               `json:"total_rows"`
		ReturnedRows int               `json:"returned_rows"`
		Results      []json.RawMessage `json:"results"`
		Rows         []json.RawMessage `json:"rows"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Results{}, Wrap(ErrTransient, op, "decode response", err)
	}
	items := resp.Results
	if len(items) == 0 {
		items = resp.Rows
	}
	out := Results{
		JobID:        resp.JobID,
		Filename:     resp.Filename,
		TotalRows:    resp.TotalRows,
		ReturnedRows: resp.ReturnedRows,
		Rows:         make([]map[string]any, 0, len(items)),
	}
	seen := map[string]struct{}{}
	for _, item := range items {
		keys, err := objectKeys(item)
		if err != nil {
			return Results{}, Wrap(ErrTransient, op, "decode row", err)
		}
		for _, k := range keys {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				out.Columns = append(out.Columns, k)
			}
		}
		var row map[string]any
		if err := json.Unmarshal(item, &row); err != nil {
			return Results{}, Wrap(ErrTransient, op, "decode row", err)
		}
		out.Rows = append(out.Rows, row)
	}
	if out.ReturnedRows == 0 {
		out.ReturnedRows = len(out.Rows)
	}
	return out, nil
}

// ClampResultsLimit applies the backend's accepted range.
func ClampResultsLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultResultsLimit
	case limit > MaxResultsLimit:
		return MaxResultsLimit
	default:
		return limit
	}
}

// Download streams the result file into w and returns the bytes written and
// the server-suggested filename.
func (c *Client) Download(ctx context.Context, id string, w io.Writer) (int64, string, error) {
	const op = "download"
	id = strings.TrimSpace(id)
	if id == "" {
		return 0, "", errors.New("download: id is required")
	}
	if w == nil {
		return 0, "", errors.New("download: writer is required")
	}
	resp, cancel, err := c.send(ctx, request{
		operation: op,
		method:    http.MethodGet,
		url:       c.endpoint(nil, "jobs", id, "download"),
		kind:      endpointResource,
		stream:    true,
	})
	if err != nil {
		return 0, "", err
	}
	defer cancel()
	defer resp.Body.Close()

	name := ""
	if disposition := resp.Header.Get("Content-Disposition"); disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			name = filepath.Base(params["filename"])
		}
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, name, Wrap(ErrTransient, op, "stream body", err)
	}
	return n, name, nil
}

// Delete removes a job and its files.
func (c *Client) Delete(ctx context.Context, id string) error {
	const op = "delete job"
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("delete job: id is required")
	}
	_, err := c.doJSON(ctx, request{
		operation: op,
		method:    http.MethodDelete,
		url:       c.endpoint(nil, "jobs", id),
	})
	return err
}

// objectKeys returns the keys of a JSON object in document order.
func objectKeys(raw json.RawMessage) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("row is not an object")
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v", tok)
		}
		keys = append(keys, key)
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
	}
	return keys, nil
}
