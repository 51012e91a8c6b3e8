package backend_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"parsewatch/internal/backend"
	"parsewatch/internal/quota"
)

func newClient(t *testing.T, handler http.HandlerFunc) *backend.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := backend.New(backend.Options{BaseURL: srv.URL + "/api/", Token: "secret", Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return client
}

func TestListJobsDecodesSnapshotsAndSendsHeaders(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/jobs" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("missing bearer token, got %q", got)
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Error("missing X-Request-ID")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"jobs":[
			{"id":"a","status":"processing","progress":40,"filename":"names.csv","created_at":"2026-03-04T10:00:00"},
			{"id":"b","status":"completed","progress":100,"created_at":"2026-03-04T10:00:00Z","expires_at":"2026-03-04T10:10:00+00:00","total_rows":10,"successful_parses":9,"failed_parses":1}
		],"total":2}`)
	})

	snaps, err := client.ListJobs(context.Background())
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	if snaps[0].ID != "a" || snaps[0].Progress != 40 || snaps[0].Filename != "names.csv" {
		t.Fatalf("unexpected first snapshot: %+v", snaps[0])
	}
	if snaps[0].ExpiresAt != nil {
		t.Fatal("missing expires_at should stay nil")
	}
	want := time.Date(2026, 3, 4, 10, 10, 0, 0, time.UTC)
	if snaps[1].ExpiresAt == nil || !snaps[1].ExpiresAt.Equal(want) {
		t.Fatalf("unexpected expires_at: %v", snaps[1].ExpiresAt)
	}
	if snaps[1].TotalRows == nil || *snaps[1].TotalRows != 10 {
		t.Fatalf("total_rows not decoded: %+v", snaps[1])
	}
}

func TestListJobsRejectsMalformedPayloadAsTransient(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"jobs":[{"status":"pending"}]}`)
	})
	_, err := client.ListJobs(context.Background())
	if !errors.Is(err, backend.ErrTransient) {
		t.Fatalf("expected transient schema failure, got %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		call   func(*backend.Client) error
		want   error
	}{
		{"results 404 is gone", http.StatusNotFound, func(c *backend.Client) error {
			_, err := c.Results(context.Background(), "a", 10)
			return err
		}, backend.ErrResourceGone},
		{"download 410 is gone", http.StatusGone, func(c *backend.Client) error {
			_, _, err := c.Download(context.Background(), "a", io.Discard)
			return err
		}, backend.ErrResourceGone},
		{"get job 404 is not found", http.StatusNotFound, func(c *backend.Client) error {
			_, err := c.GetJob(context.Background(), "a")
			return err
		}, backend.ErrNotFound},
		{"delete 404 is not found", http.StatusNotFound, func(c *backend.Client) error {
			return c.Delete(context.Background(), "a")
		}, backend.ErrNotFound},
		{"list 503 is transient", http.StatusServiceUnavailable, func(c *backend.Client) error {
			_, err := c.ListJobs(context.Background())
			return err
		}, backend.ErrTransient},
		{"entitlement 401 is unauthorized", http.StatusUnauthorized, func(c *backend.Client) error {
			_, err := c.Entitlement(context.Background())
			return err
		}, backend.ErrUnauthorized},
		{"upload 413 is rejected", http.StatusRequestEntityTooLarge, func(c *backend.Client) error {
			_, err := c.Upload(context.Background(), "a.csv", strings.NewReader("x"))
			return err
		}, backend.ErrRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"detail":"Results file has expired and been deleted."}`)
			})
			err := tt.call(client)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			var apiErr *backend.APIError
			if !errors.As(err, &apiErr) || apiErr.StatusCode != tt.status {
				t.Fatalf("expected APIError with status %d, got %v", tt.status, err)
			}
			if apiErr.Detail == "" {
				t.Fatal("expected detail from response body")
			}
		})
	}
}

func TestTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client, err := backend.New(backend.Options{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = client.ListJobs(context.Background())
	if !backend.IsTransient(err) {
		t.Fatalf("expected transient timeout, got %v", err)
	}
}

func TestUploadSendsMultipartFile(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/jobs" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			return
		}
		defer file.Close()
		body, _ := io.ReadAll(file)
		if header.Filename != "names.csv" || string(body) != "name\nJohn Smith\n" {
			t.Errorf("unexpected upload %q %q", header.Filename, body)
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"job_id":"job-1","message":"queued","estimated_processing_time":12}`)
	})

	ack, err := client.Upload(context.Background(), "/tmp/names.csv", strings.NewReader("name\nJohn Smith\n"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if ack.JobID != "job-1" || ack.EstimatedSeconds != 12 {
		t.Fatalf("unexpected ack %+v", ack)
	}
}

func TestResultsKeepsColumnOrderAndClampsLimit(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "1000" {
			t.Errorf("limit not clamped: %s", got)
		}
		_, _ = io.WriteString(w, `{"job_id":"a","filename":"names.csv","total_rows":2,"returned_rows":2,
			"results":[{"original":"John & Jane Smith","first_name":"John","last_name":"Smith","entity_type":"person"},
			           {"original":"Acme LLC","first_name":null,"last_name":null,"entity_type":"company"}]}`)
	})

	res, err := client.Results(context.Background(), "a", 5000)
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	want := []string{"original", "first_name", "last_name", "entity_type"}
	if strings.Join(res.Columns, ",") != strings.Join(want, ",") {
		t.Fatalf("columns = %v, want %v", res.Columns, want)
	}
	if len(res.Rows) != 2 || res.Rows[1]["entity_type"] != "company" {
		t.Fatalf("unexpected rows %+v", res.Rows)
	}
}

func TestDownloadStreamsBody(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="parsed_names.csv"`)
		_, _ = io.WriteString(w, "a,b\n1,2\n")
	})
	var buf bytes.Buffer
	n, name, err := client.Download(context.Background(), "a", &buf)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if n != 8 || name != "parsed_names.csv" || buf.String() != "a,b\n1,2\n" {
		t.Fatalf("unexpected download n=%d name=%q body=%q", n, name, buf.String())
	}
}

func TestEntitlementLimitVariants(t *testing.T) {
	tests := []struct {
		body      string
		active    bool
		unlimited bool
		limit     int
		tier      quota.Tier
	}{
		{body: `{"active":true,"limit":"unlimited","used":4,"reset_at":"2026-08-01T00:00:00Z"}`, active: true, unlimited: true, tier: quota.TierEnterprise},
		{body: `{"active":true,"limit":-1,"used":4,"tier":"enterprise"}`, active: true, unlimited: true, tier: quota.TierEnterprise},
		{body: `{"active":false,"limit":10,"used":3,"tier":"anonymous"}`, limit: 10, tier: quota.TierAnonymous},
		{body: `{"active":true,"limit":1000,"used":12,"tier":"standard"}`, active: true, limit: 1000, tier: quota.TierStandard},
	}
	for _, tt := range tests {
		client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, tt.body)
		})
		ent, err := client.Entitlement(context.Background())
		if err != nil {
			t.Fatalf("Entitlement(%s): %v", tt.body, err)
		}
		if ent.Active != tt.active || ent.Usage.Limit.IsUnlimited() != tt.unlimited || ent.Usage.Tier != tt.tier {
			t.Fatalf("unexpected entitlement for %s: %+v", tt.body, ent)
		}
		if v, ok := ent.Usage.Limit.Value(); ok && v != tt.limit {
			t.Fatalf("limit = %d, want %d", v, tt.limit)
		}
	}
}

func TestEntitlementRejectsBadLimit(t *testing.T) {
	for _, body := range []string{
		`{"active":true,"limit":"lots","used":1}`,
		`{"active":true,"used":1,"tier":"standard"}`,
	} {
		client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, body)
		})
		if _, err := client.Entitlement(context.Background()); !errors.Is(err, backend.ErrTransient) {
			t.Fatalf("%s: expected schema failure, got %v", body, err)
		}
	}
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://example.com", "://bad"} {
		if _, err := backend.New(backend.Options{BaseURL: raw}); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestParseTimestampNaiveIsUTC(t *testing.T) {
	got, err := backend.ParseTimestamp("2026-03-04T10:00:00.123456")
	if err != nil {
		t.Fatalf("ParseTimestamp: %v", err)
	}
	if got.Location() != time.UTC || got.Hour() != 10 {
		t.Fatalf("unexpected parse %v", got)
	}
	if _, err := backend.ParseTimestamp("yesterday"); err == nil {
		t.Fatal("expected error for junk timestamp")
	}
}
