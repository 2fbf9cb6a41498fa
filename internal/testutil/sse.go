package testutil

import (
	"bufio"
	"strings"
	"testing"
)

// SSEEvent is one parsed server-sent event.
type SSEEvent struct {
	Type string
	Data string // multi-line data joined with \n
}

// ParseSSEEvents splits a raw SSE response body into events. Malformed
// streams fail the test: every event must be terminated by a blank line,
// and only "event:", "data:", and comment lines are accepted. A data line
// without a preceding event line gets the spec's default "message" type.
func ParseSSEEvents(t *testing.T, body string) []SSEEvent {
	t.Helper()

	var (
		events  []SSEEvent
		current SSEEvent
		data    []string
	)
	flush := func() {
		if current.Type == "" && len(data) == 0 {
			return
		}
		current.Data = strings.Join(data, "\n")
		events = append(events, current)
		current = SSEEvent{}
		data = nil
	}

	scanner := bufio.NewScanner(strings.NewReader(body))
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		switch {
		case text == "":
			flush()
		case strings.HasPrefix(text, "event: "):
			if current.Type != "" || len(data) > 0 {
				t.Fatalf("line %d: event %q starts before previous event terminated", line, text)
			}
			current.Type = strings.TrimPrefix(text, "event: ")
		case strings.HasPrefix(text, "data: "):
			if current.Type == "" {
				current.Type = "message"
			}
			data = append(data, strings.TrimPrefix(text, "data: "))
		case strings.HasPrefix(text, ":"):
			// comment, ignored
		default:
			t.Fatalf("line %d: unexpected SSE line %q", line, text)
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scanning SSE body: %v", err)
	}
	if current.Type != "" || len(data) > 0 {
		t.Fatalf("stream ended inside event %q (missing blank line)", current.Type)
	}

	return events
}
