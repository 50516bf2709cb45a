// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package genai

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/thomasng/taims/internal/model"
)

// =============================================================================
// STRUCTURED EXTRACTION
// =============================================================================

// extractionPrompt asks the model to convert free-form text into a flat
// JSON list. The reply often arrives wrapped in a code fence; stripping
// that is handled here, not by the model.
const extractionPrompt = `Convert the schedule information in the following text into a JSON array.
Each element must be an object with exactly these string keys:
"subject", "day", "period", "location".
Weekday names like "Thứ 7", period ranges like "tiết 8-9" and room codes
like "phòng F303" go into "day", "period" and "location" respectively.
Output ONLY the JSON array, nothing else.
If the text contains no schedule information, output [].

Text:
`

// ExtractStructured asks the model to convert free-form assistant text
// into schedule rows. Unparseable output yields an empty result, never an
// error; only transport and rate-limit failures propagate.
func (c *Client) ExtractStructured(ctx context.Context, text string) ([]model.ScheduleEntry, error) {
	reply, err := c.generate(ctx, generateRequest{
		Contents: []Content{{
			Role:  "user",
			Parts: []Part{{Text: extractionPrompt + text}},
		}},
	})
	if err != nil {
		return nil, err
	}

	return ParseScheduleJSON(reply), nil
}

// ParseScheduleJSON parses a model reply into schedule rows. Code-fence
// markers are stripped first; anything that still fails to parse is
// treated as "no data extracted".
func ParseScheduleJSON(reply string) []model.ScheduleEntry {
	cleaned := StripCodeFences(reply)

	var entries []model.ScheduleEntry
	if err := json.Unmarshal([]byte(cleaned), &entries); err != nil {
		return nil
	}

	// Drop rows that carry nothing at all.
	out := entries[:0]
	for _, e := range entries {
		if e.Subject != "" || e.Day != "" || e.Period != "" || e.Location != "" {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// StripCodeFences removes a surrounding markdown code fence, with or
// without a language tag, from a model reply.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}

	s = strings.TrimPrefix(s, "```")
	// Drop a language tag such as "json" on the opening fence line.
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		firstLine := strings.TrimSpace(s[:idx])
		if firstLine == "" || isFenceTag(firstLine) {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// isFenceTag reports whether a fence opening line is a bare language tag.
func isFenceTag(line string) bool {
	for _, r := range line {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}
