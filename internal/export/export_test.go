// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/thomasng/taims/internal/model"
)

var sampleEntries = []model.ScheduleEntry{
	{Subject: "Triết học Mác - Lênin", Day: "Thứ 7", Period: "8-9", Location: "F303"},
	{Subject: "Calculus II", Day: "Monday", Period: "1-3", Location: "B12"},
}

// =============================================================================
// SPREADSHEET
// =============================================================================

func TestSpreadsheetExport(t *testing.T) {
	e := NewSpreadsheetExporter()

	data, err := e.Export(sampleEntries)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("OpenReader() error = %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(sheetName)
	if err != nil {
		t.Fatalf("GetRows() error = %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want header + 2 entries", len(rows))
	}

	wantHeader := []string{"Subject", "Day", "Period", "Location"}
	for i, col := range wantHeader {
		if rows[0][i] != col {
			t.Errorf("header[%d] = %q, want %q", i, rows[0][i], col)
		}
	}
	if rows[1][0] != "Triết học Mác - Lênin" || rows[1][3] != "F303" {
		t.Errorf("row 1 = %v, want Vietnamese subject and F303", rows[1])
	}
	if rows[2][1] != "Monday" || rows[2][2] != "1-3" {
		t.Errorf("row 2 = %v, want Monday / 1-3", rows[2])
	}
}

func TestSpreadsheetExportEmpty(t *testing.T) {
	e := NewSpreadsheetExporter()
	if _, err := e.Export(nil); !errors.Is(err, ErrNoEntries) {
		t.Errorf("Export(nil) error = %v, want ErrNoEntries", err)
	}
}

func TestSpreadsheetMetadata(t *testing.T) {
	e := NewSpreadsheetExporter()
	if got := e.FileExtension(); got != ".xlsx" {
		t.Errorf("FileExtension() = %q", got)
	}
	if got := e.MimeType(); !strings.Contains(got, "spreadsheetml") {
		t.Errorf("MimeType() = %q", got)
	}
}

// =============================================================================
// CALENDAR
// =============================================================================

func newFixedCalendarExporter(prefixes []string) *CalendarExporter {
	e := NewCalendarExporter(func() []string { return prefixes })
	e.now = func() time.Time { return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC) }
	e.pick = func(n int) int { return 0 }
	return e
}

func TestCalendarExport(t *testing.T) {
	e := newFixedCalendarExporter([]string{"GO TIME:"})

	data, err := e.Export(sampleEntries)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	out := string(data)

	if got := strings.Count(out, "BEGIN:VEVENT"); got != 2 {
		t.Errorf("found %d VEVENT blocks, want 2", got)
	}
	if !strings.Contains(out, "GO TIME: Triết học Mác - Lênin") {
		t.Errorf("output missing prefixed Vietnamese summary:\n%s", out)
	}
	if !strings.Contains(out, "LOCATION:F303") {
		t.Errorf("output missing location:\n%s", out)
	}
	if !strings.Contains(out, "DTSTART:20250301T090000Z") {
		t.Errorf("output missing export-time DTSTART:\n%s", out)
	}
	if !strings.Contains(out, "Period 8-9") {
		t.Errorf("output missing period in description:\n%s", out)
	}
}

func TestCalendarExportNoPrefixes(t *testing.T) {
	e := newFixedCalendarExporter(nil)

	data, err := e.Export(sampleEntries[:1])
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if !strings.Contains(string(data), "SUMMARY:Triết học Mác - Lênin") {
		t.Errorf("summary should be bare subject:\n%s", data)
	}
}

func TestCalendarExportEmpty(t *testing.T) {
	e := NewCalendarExporter(nil)
	if _, err := e.Export(nil); !errors.Is(err, ErrNoEntries) {
		t.Errorf("Export(nil) error = %v, want ErrNoEntries", err)
	}
}

func TestCalendarMetadata(t *testing.T) {
	e := NewCalendarExporter(nil)
	if got := e.FileExtension(); got != ".ics" {
		t.Errorf("FileExtension() = %q", got)
	}
	if got := e.MimeType(); got != "text/calendar" {
		t.Errorf("MimeType() = %q", got)
	}
}
