// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"github.com/thomasng/taims/internal/model"
)

// =============================================================================
// CALENDAR EXPORTER
// =============================================================================

// CalendarExporter renders schedule entries as an iCalendar file with one
// VEVENT per entry. Event timestamps are the moment of export; the source
// rows carry day-of-week and period strings, not absolute dates, so the
// calendar serves as an importable checklist rather than a timed schedule.
type CalendarExporter struct {
	// prefixes supplies the motivational title prefixes. Evaluated per
	// export so a config reload takes effect without restarting.
	prefixes func() []string

	now  func() time.Time
	pick func(n int) int
}

// NewCalendarExporter creates a calendar exporter. The prefixes function
// may return an empty slice, in which case titles are left unprefixed.
func NewCalendarExporter(prefixes func() []string) *CalendarExporter {
	if prefixes == nil {
		prefixes = func() []string { return nil }
	}
	return &CalendarExporter{
		prefixes: prefixes,
		now:      time.Now,
		pick:     rand.Intn,
	}
}

// Export renders the calendar.
func (e *CalendarExporter) Export(entries []model.ScheduleEntry) ([]byte, error) {
	if len(entries) == 0 {
		return nil, ErrNoEntries
	}

	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId("-//TAIMS//Schedule Export//EN")

	now := e.now().UTC()
	prefixes := e.prefixes()

	for _, entry := range entries {
		event := cal.AddEvent(uuid.NewString())
		event.SetCreatedTime(now)
		event.SetDtStampTime(now)
		event.SetStartAt(now)
		event.SetEndAt(now.Add(time.Hour))
		event.SetSummary(e.eventTitle(prefixes, entry.Subject))
		if entry.Location != "" {
			event.SetLocation(entry.Location)
		}
		if desc := eventDescription(entry); desc != "" {
			event.SetDescription(desc)
		}
	}

	return []byte(cal.Serialize()), nil
}

// eventTitle prepends a randomly chosen prefix to the subject.
func (e *CalendarExporter) eventTitle(prefixes []string, subject string) string {
	if len(prefixes) == 0 {
		return subject
	}
	prefix := prefixes[e.pick(len(prefixes))]
	return prefix + " " + subject
}

// eventDescription folds the day and period strings into one line.
func eventDescription(entry model.ScheduleEntry) string {
	var parts []string
	if entry.Day != "" {
		parts = append(parts, entry.Day)
	}
	if entry.Period != "" {
		parts = append(parts, fmt.Sprintf("Period %s", entry.Period))
	}
	return strings.Join(parts, ", ")
}

// FileExtension returns ".ics".
func (e *CalendarExporter) FileExtension() string {
	return ".ics"
}

// MimeType returns the iCalendar MIME type.
func (e *CalendarExporter) MimeType() string {
	return "text/calendar"
}
