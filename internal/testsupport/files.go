package testsupport

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
)

// WriteCSV writes rows to path, creating parent directories. A nil rows
// slice writes a small name list.
func WriteCSV(t testing.TB, path string, rows [][]string) {
	t.Helper()

	if rows == nil {
		rows = [][]string{{"name"}, {"Dr. Jane Q. Public"}, {"John Smith Jr."}}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
