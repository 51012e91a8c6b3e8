// Package export writes parsed result rows to spreadsheet files.
package export

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"parsewatch/internal/backend"
)

const (
	rowsSheet    = "Parsed Names"
	summarySheet = "Summary"
	maxColWidth  = 60
)

// Format selects the output encoding.
type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatCSV  Format = "csv"
)

// FormatForPath picks the format from a file extension.
func FormatForPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return FormatXLSX, nil
	case ".csv":
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("unsupported export extension %q (use .xlsx or .csv)", filepath.Ext(path))
	}
}

// WriteFile exports res to path. The file is written to a temp sibling and
// renamed into place.
func WriteFile(path string, res backend.Results, exportedAt time.Time) error {
	format, err := FormatForPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create export directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".export-*")
	if err != nil {
		return fmt.Errorf("create temp export: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	switch format {
	case FormatXLSX:
		err = WriteXLSX(tmp, res, exportedAt)
	default:
		err = WriteCSV(tmp, res)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("move export into place: %w", err)
	}
	return nil
}

// WriteXLSX writes a workbook with the rows on the first sheet and a job
// summary on the second.
func WriteXLSX(w io.Writer, res backend.Results, exportedAt time.Time) error {
	if len(res.Columns) == 0 && len(res.Rows) > 0 {
		return errors.New("export: rows without columns")
	}
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", rowsSheet); err != nil {
		return fmt.Errorf("xlsx sheet: %w", err)
	}
	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("xlsx style: %w", err)
	}

	widths := make([]int, len(res.Columns))
	for i, col := range res.Columns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(rowsSheet, cell, col)
		widths[i] = len(col)
	}
	if len(res.Columns) > 0 {
		last, _ := excelize.CoordinatesToCellName(len(res.Columns), 1)
		_ = f.SetCellStyle(rowsSheet, "A1", last, header)
		_ = f.SetPanes(rowsSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
	}

	for r, row := range res.Rows {
		for c, col := range res.Columns {
			value := cellValue(row[col])
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			if err := f.SetCellValue(rowsSheet, cell, value); err != nil {
				return fmt.Errorf("xlsx cell %s: %w", cell, err)
			}
			if n := len(fmt.Sprint(value)); n > widths[c] {
				widths[c] = n
			}
		}
	}
	for i, width := range widths {
		name, _ := excelize.ColumnNumberToName(i + 1)
		_ = f.SetColWidth(rowsSheet, name, name, float64(min(width+2, maxColWidth)))
	}

	if _, err := f.NewSheet(summarySheet); err != nil {
		return fmt.Errorf("xlsx sheet: %w", err)
	}
	summary := [][2]any{
		{"Job ID", res.JobID},
		{"Source file", res.Filename},
		{"Total rows", res.TotalRows},
		{"Exported rows", len(res.Rows)},
		{"Exported at", exportedAt.UTC().Format(time.RFC3339)},
	}
	for i, kv := range summary {
		_ = f.SetCellValue(summarySheet, "A"+strconv.Itoa(i+1), kv[0])
		_ = f.SetCellValue(summarySheet, "B"+strconv.Itoa(i+1), kv[1])
	}
	_ = f.SetCellStyle(summarySheet, "A1", "A"+strconv.Itoa(len(summary)), header)
	_ = f.SetColWidth(summarySheet, "A", "A", 16)
	_ = f.SetColWidth(summarySheet, "B", "B", 40)

	idx, _ := f.GetSheetIndex(rowsSheet)
	f.SetActiveSheet(idx)

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}

// WriteCSV writes a header row followed by one line per result row.
func WriteCSV(w io.Writer, res backend.Results) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(res.Columns); err != nil {
		return fmt.Errorf("csv header: %w", err)
	}
	record := make([]string, len(res.Columns))
	for _, row := range res.Rows {
		for i, col := range res.Columns {
			record[i] = fmt.Sprint(cellValue(row[col]))
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// cellValue flattens a decoded JSON value into something a cell can hold.
func cellValue(v any) any {
	switch val := v.(type) {
	case nil:
		return ""
	case string, bool:
		return val
	case float64:
		if val == float64(int64(val)) {
			return int64(val)
		}
		return val
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n
		}
		return val.String()
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}
