package export

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"parsewatch/internal/backend"
)

func sampleResults() backend.Results {
	return backend.Results{
		JobID:        "job-1",
		Filename:     "names.csv",
		TotalRows:    3,
		ReturnedRows: 2,
		Columns:      []string{"original", "first", "last", "confidence"},
		Rows: []map[string]any{
			{"original": "Dr. Jane Doe", "first": "Jane", "last": "Doe", "confidence": 0.97},
			{"original": "Smith, John", "first": "John", "last": "Smith", "confidence": float64(1)},
		},
	}
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	if err := WriteXLSX(&buf, sampleResults(), at); err != nil {
		t.Fatalf("WriteXLSX: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()

	tests := []struct {
		sheet, cell, want string
	}{
		{rowsSheet, "A1", "original"},
		{rowsSheet, "D1", "confidence"},
		{rowsSheet, "B2", "Jane"},
		{rowsSheet, "D2", "0.97"},
		{rowsSheet, "C3", "Smith"},
		{rowsSheet, "D3", "1"},
		{summarySheet, "B1", "job-1"},
		{summarySheet, "B3", "3"},
		{summarySheet, "B4", "2"},
		{summarySheet, "B5", "2026-05-04T10:00:00Z"},
	}
	for _, tc := range tests {
		got, err := f.GetCellValue(tc.sheet, tc.cell)
		if err != nil {
			t.Fatalf("%s!%s: %v", tc.sheet, tc.cell, err)
		}
		if got != tc.want {
			t.Errorf("%s!%s = %q, want %q", tc.sheet, tc.cell, got, tc.want)
		}
	}
	if f.GetSheetName(f.GetActiveSheetIndex()) != rowsSheet {
		t.Errorf("active sheet = %q", f.GetSheetName(f.GetActiveSheetIndex()))
	}
}

func TestWriteXLSXRejectsRowsWithoutColumns(t *testing.T) {
	res := backend.Results{Rows: []map[string]any{{"a": 1}}}
	if err := WriteXLSX(&bytes.Buffer{}, res, time.Now()); err == nil {
		t.Fatal("expected error")
	}
}

func TestWriteCSV(t *testing.T) {
	res := sampleResults()
	res.Rows = append(res.Rows, map[string]any{"original": "Prince", "first": "Prince", "extra": []any{"x"}})
	var buf bytes.Buffer
	if err := WriteCSV(&buf, res); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("records = %d", len(records))
	}
	if records[1][3] != "0.97" || records[2][3] != "1" {
		t.Fatalf("confidence cells: %q %q", records[1][3], records[2][3])
	}
	if records[3][2] != "" {
		t.Fatalf("missing value should be empty, got %q", records[3][2])
	}
}

func TestCellValueFlattensNested(t *testing.T) {
	got := cellValue(map[string]any{"title": "Dr."})
	if got != `{"title":"Dr."}` {
		t.Fatalf("cellValue = %v", got)
	}
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"out.xlsx", "nested/out.csv"} {
		path := filepath.Join(dir, name)
		if err := WriteFile(path, sampleResults(), time.Now()); err != nil {
			t.Fatalf("WriteFile(%s): %v", name, err)
		}
		info, err := os.Stat(path)
		if err != nil || info.Size() == 0 {
			t.Fatalf("stat %s: %v", name, err)
		}
	}
	if err := WriteFile(filepath.Join(dir, "out.txt"), sampleResults(), time.Now()); err == nil {
		t.Fatal("expected unsupported extension error")
	}
	leftovers, _ := filepath.Glob(filepath.Join(dir, ".export-*"))
	if len(leftovers) != 0 {
		t.Fatalf("temp files left behind: %v", leftovers)
	}
}
