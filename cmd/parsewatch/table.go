package main

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

// maxCellWidth caps wide result columns such as the original input line.
const maxCellWidth = 40

type tableSpec struct {
	headers []string
	rows    [][]string
	aligns  []columnAlignment
	footer  string
}

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	return tableSpec{headers: headers, rows: rows, aligns: aligns}.render()
}

func (s tableSpec) render() string {
	columns := len(s.headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(padRow(s.headers, columns))
	for _, row := range s.rows {
		tw.AppendRow(padRow(row, columns))
	}
	if s.footer != "" {
		footer := make(table.Row, columns)
		footer[0] = s.footer
		tw.AppendFooter(footer, table.RowConfig{AutoMerge: true})
	}

	configs := make([]table.ColumnConfig, columns)
	for i := range configs {
		align := text.AlignLeft
		if i < len(s.aligns) && s.aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs[i] = table.ColumnConfig{
			Number:           i + 1,
			Align:            align,
			AlignHeader:      text.AlignLeft,
			WidthMax:         maxCellWidth,
			WidthMaxEnforcer: text.Trim,
		}
	}
	tw.SetColumnConfigs(configs)
	return tw.Render()
}

func padRow(cells []string, columns int) table.Row {
	row := make(table.Row, columns)
	for i := range row {
		if i < len(cells) {
			row[i] = cells[i]
		} else {
			row[i] = ""
		}
	}
	return row
}
