package ingest

import (
	"encoding/json"
	"regexp"
	"strconv"
)

// In-band keywords recognized in job output lines. Matching is line-local:
// a keyword and its value never span lines.
var (
	progressRe = regexp.MustCompile(`PROGRESS=(\d+)`)
	resultRe   = regexp.MustCompile(`RESULT=(?:'([^']*)'|(\{.*))`)
	errorRe    = regexp.MustCompile(`ERROR=(?:'([^']*)'|(\{.*))`)
)

// LineEvents are the state mutations one output line asks for.
type LineEvents struct {
	Progress *int
	Result   json.RawMessage
	Error    string
	HasError bool
}

// ParseLine scans one output line for PROGRESS=, RESULT= and ERROR=
// keywords. Quoted values take everything between single quotes; brace
// values take the rest of the line and must be valid JSON to count as
// structured. Progress outside 0-100 is discarded with a warning.
func ParseLine(line string, logger interface{ Warn(string, ...any) }) LineEvents {
	var ev LineEvents

	if m := progressRe.FindStringSubmatch(line); m != nil {
		if p, err := strconv.Atoi(m[1]); err == nil {
			if p >= 0 && p <= 100 {
				ev.Progress = &p
			} else if logger != nil {
				logger.Warn("discarding out-of-range progress", "value", p)
			}
		}
	}

	if m := resultRe.FindStringSubmatch(line); m != nil {
		ev.Result = tagValue(m[1], m[2])
	}

	if m := errorRe.FindStringSubmatch(line); m != nil {
		ev.HasError = true
		ev.Error = errorText(m[1], m[2])
	}

	return ev
}

// tagValue converts a matched keyword payload to the JSON stored on the
// job: structured JSON as-is, anything else as a JSON string.
func tagValue(quoted, braced string) json.RawMessage {
	if braced != "" && json.Valid([]byte(braced)) {
		return json.RawMessage(braced)
	}
	s := quoted
	if s == "" && braced != "" {
		s = braced // malformed JSON is kept as text
	}
	b, _ := json.Marshal(s)
	return b
}

// errorText extracts the error message from a matched ERROR= payload: the
// "message" field of structured JSON when present, else the whole payload.
func errorText(quoted, braced string) string {
	if braced != "" && json.Valid([]byte(braced)) {
		var obj map[string]any
		if err := json.Unmarshal([]byte(braced), &obj); err == nil {
			if msg, ok := obj["message"].(string); ok && msg != "" {
				return msg
			}
		}
		return braced
	}
	if quoted != "" {
		return quoted
	}
	return braced
}
