package protocol

import (
	"fmt"
	"time"
)

// dateTimeLayout is the fixed wire format: "dd-MMM-yyyy hh:mm:ss ±hhmm".
const dateTimeLayout = "02-Jan-2006 15:04:05 -0700"

// FormatDateTime renders t in UTC with the wire's fixed layout; the server
// always emits "+0000".
func FormatDateTime(t time.Time) string {
	return t.UTC().Format(dateTimeLayout)
}

// ParseDateTime parses the fixed wire layout and normalises to UTC; the
// server stores everything in UTC regardless of the incoming offset.
func ParseDateTime(s string) (time.Time, error) {
	t, err := time.Parse(dateTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid datetime %q: %w", s, err)
	}
	return t.UTC(), nil
}
