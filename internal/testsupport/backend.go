package testsupport

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"parsewatch/internal/backend"
	"parsewatch/internal/jobs"
	"parsewatch/internal/quota"
)

// FakeBackend is an in-memory stand-in for the backend client. Tests script
// job snapshots with SetJob and inspect call counts afterwards. It is safe for
// concurrent use.
type FakeBackend struct {
	mu sync.Mutex

	jobs        map[string]jobs.Snapshot
	gone        map[string]bool
	nextID      int
	listErr     error
	entitlement backend.Entitlement
	entErr      error
	downloads   map[string][]byte
	rows        map[string][]map[string]any

	ListCalls        int
	EntitlementCalls int
	UploadCalls      int
	DownloadCalls    int
	ResultsCalls     int
	DeleteCalls      int
}

// NewFakeBackend returns an empty fake with an unlimited, inactive entitlement.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		jobs:        make(map[string]jobs.Snapshot),
		gone:        make(map[string]bool),
		downloads:   make(map[string][]byte),
		rows:        make(map[string][]map[string]any),
		entitlement: backend.Entitlement{Usage: quota.UsageCounter{Limit: quota.Unlimited, Tier: quota.TierEnterprise}},
	}
}

// SetJob replaces the snapshot the backend reports for s.ID.
func (f *FakeBackend) SetJob(s jobs.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[s.ID] = s
}

// Expire makes results and downloads for id answer 410.
func (f *FakeBackend) Expire(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gone[id] = true
}

// FailList makes ListJobs return err until called again with nil.
func (f *FakeBackend) FailList(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

// SetEntitlement replaces the entitlement response.
func (f *FakeBackend) SetEntitlement(e backend.Entitlement, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entitlement = e
	f.entErr = err
}

// SetResults scripts rows and download bytes for a job.
func (f *FakeBackend) SetResults(id string, rows []map[string]any, download []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[id] = rows
	f.downloads[id] = download
}

// Counts returns a consistent copy of the call counters.
func (f *FakeBackend) Counts() (list, entitlement, download int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ListCalls, f.EntitlementCalls, f.DownloadCalls
}

func (f *FakeBackend) Upload(_ context.Context, filename string, content io.Reader) (backend.UploadAck, error) {
	if _, err := io.Copy(io.Discard, content); err != nil {
		return backend.UploadAck{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.UploadCalls++
	f.nextID++
	id := fmt.Sprintf("job-%d", f.nextID)
	f.jobs[id] = jobs.Snapshot{ID: id, Status: "pending", Filename: filename, CreatedAt: time.Time{}}
	return backend.UploadAck{JobID: id, EstimatedSeconds: 30, Message: "queued"}, nil
}

func (f *FakeBackend) ListJobs(context.Context) ([]jobs.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]jobs.Snapshot, 0, len(f.jobs))
	for _, s := range f.jobs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeBackend) GetJob(_ context.Context, id string) (jobs.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone[id] {
		return jobs.Snapshot{}, backend.Wrap(backend.ErrResourceGone, "get job", "410 Gone", nil)
	}
	s, ok := f.jobs[id]
	if !ok {
		return jobs.Snapshot{}, backend.Wrap(backend.ErrResourceGone, "get job", "job not found", nil)
	}
	return s, nil
}

func (f *FakeBackend) Results(_ context.Context, id string, limit int) (backend.Results, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ResultsCalls++
	if f.gone[id] {
		return backend.Results{}, backend.Wrap(backend.ErrResourceGone, "job results", "410 Gone", nil)
	}
	rows := f.rows[id]
	limit = backend.ClampResultsLimit(limit)
	if len(rows) > limit {
		rows = rows[:limit]
	}
	res := backend.Results{JobID: id, TotalRows: len(f.rows[id]), ReturnedRows: len(rows), Rows: rows}
	seen := map[string]bool{}
	for _, row := range rows {
		keys := make([]string, 0, len(row))
		for k := range row {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if !seen[k] {
				seen[k] = true
				res.Columns = append(res.Columns, k)
			}
		}
	}
	return res, nil
}

func (f *FakeBackend) Download(_ context.Context, id string, w io.Writer) (int64, string, error) {
	f.mu.Lock()
	f.DownloadCalls++
	gone := f.gone[id]
	body := f.downloads[id]
	f.mu.Unlock()
	if gone {
		return 0, "", backend.Wrap(backend.ErrResourceGone, "download", "410 Gone", nil)
	}
	n, err := io.Copy(w, strings.NewReader(string(body)))
	return n, id + "_parsed.csv", err
}

func (f *FakeBackend) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DeleteCalls++
	if _, ok := f.jobs[id]; !ok {
		return backend.Wrap(backend.ErrNotFound, "delete job", "job not found", nil)
	}
	delete(f.jobs, id)
	return nil
}

func (f *FakeBackend) Entitlement(context.Context) (backend.Entitlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.EntitlementCalls++
	return f.entitlement, f.entErr
}
