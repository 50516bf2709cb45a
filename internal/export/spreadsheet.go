// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/thomasng/taims/internal/model"
)

// =============================================================================
// SPREADSHEET EXPORTER
// =============================================================================

const sheetName = "Schedule"

var spreadsheetHeader = []string{"Subject", "Day", "Period", "Location"}

// SpreadsheetExporter renders schedule entries as an xlsx workbook with a
// single sheet: one header row plus one row per entry.
type SpreadsheetExporter struct{}

// NewSpreadsheetExporter creates a spreadsheet exporter.
func NewSpreadsheetExporter() *SpreadsheetExporter {
	return &SpreadsheetExporter{}
}

// Export renders the workbook.
func (e *SpreadsheetExporter) Export(entries []model.ScheduleEntry) ([]byte, error) {
	if len(entries) == 0 {
		return nil, ErrNoEntries
	}

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("remove default sheet: %w", err)
	}

	for col, title := range spreadsheetHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return nil, fmt.Errorf("header cell: %w", err)
		}
		if err := f.SetCellValue(sheetName, cell, title); err != nil {
			return nil, fmt.Errorf("write header: %w", err)
		}
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
	})
	if err == nil {
		f.SetCellStyle(sheetName, "A1", "D1", headerStyle)
	}

	for i, entry := range entries {
		row := i + 2
		values := []string{entry.Subject, entry.Day, entry.Period, entry.Location}
		for col, v := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row)
			if err != nil {
				return nil, fmt.Errorf("entry cell: %w", err)
			}
			if err := f.SetCellValue(sheetName, cell, v); err != nil {
				return nil, fmt.Errorf("write entry: %w", err)
			}
		}
	}

	// Wide subject column, modest widths for the rest.
	f.SetColWidth(sheetName, "A", "A", 32)
	f.SetColWidth(sheetName, "B", "D", 16)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("serialize workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// FileExtension returns ".xlsx".
func (e *SpreadsheetExporter) FileExtension() string {
	return ".xlsx"
}

// MimeType returns the xlsx MIME type.
func (e *SpreadsheetExporter) MimeType() string {
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}
