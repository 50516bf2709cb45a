// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export turns extracted schedule entries into downloadable files.
// Two formats are supported: an xlsx spreadsheet and an iCalendar feed.
package export

import (
	"errors"

	"github.com/thomasng/taims/internal/model"
)

// =============================================================================
// EXPORT INTERFACE
// =============================================================================

// ErrNoEntries indicates there was nothing to export. Callers surface this
// as a "no schedule data found" response rather than a failure.
var ErrNoEntries = errors.New("no schedule entries to export")

// Exporter defines the interface for schedule exporters.
type Exporter interface {
	// Export renders the entries into the target format.
	Export(entries []model.ScheduleEntry) ([]byte, error)

	// FileExtension returns the appropriate file extension (e.g., ".xlsx").
	FileExtension() string

	// MimeType returns the MIME type for the exported format.
	MimeType() string
}
