package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Unbounded marks the open end of a sequence interval ("*").
const Unbounded int64 = -1

// Interval is one "a", "a:b", or "a:*" member of a sequence set.
type Interval struct {
	Low  int64
	High int64 // Unbounded when the interval is open-ended
}

// SeqSet is a comma-separated list of intervals.
type SeqSet struct {
	Intervals []Interval
}

// ParseSeqSet parses a sequence-set string such as "1:3,5,7:*" or "*:5"
// (the reversed "*:b" form is accepted and normalised).
func ParseSeqSet(s string) (SeqSet, error) {
	var set SeqSet
	if s == "" {
		return set, fmt.Errorf("empty sequence set")
	}
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			return set, fmt.Errorf("empty sequence-set member")
		}
		if part == "*" {
			set.Intervals = append(set.Intervals, Interval{Low: 1, High: Unbounded})
			continue
		}
		if idx := strings.IndexByte(part, ':'); idx >= 0 {
			lowStr, highStr := part[:idx], part[idx+1:]
			var low, high int64
			var err error
			if lowStr == "*" {
				low = Unbounded
			} else if low, err = strconv.ParseInt(lowStr, 10, 64); err != nil {
				return set, fmt.Errorf("invalid sequence-set bound %q: %w", lowStr, err)
			}
			if highStr == "*" {
				high = Unbounded
			} else if high, err = strconv.ParseInt(highStr, 10, 64); err != nil {
				return set, fmt.Errorf("invalid sequence-set bound %q: %w", highStr, err)
			}
			// Normalise "*:b" to "b:*" is wrong in general (low open means
			// "everything up to high"). "*:b" is treated as 1..b: an
			// open low bound collapses to starting at 1.
			if low == Unbounded {
				low = 1
			}
			set.Intervals = append(set.Intervals, Interval{Low: low, High: high})
			continue
		}
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return set, fmt.Errorf("invalid sequence-set member %q: %w", part, err)
		}
		set.Intervals = append(set.Intervals, Interval{Low: n, High: n})
	}
	return set, nil
}

// Enumerate expands the set into a de-duplicated list of ids, in the
// order the intervals are listed (each interval ascending). An
// open-ended interval (High == Unbounded) expands up to maxID, which the
// caller must supply (typically the store's current max item/collection id).
func (s SeqSet) Enumerate(maxID int64) []int64 {
	seen := make(map[int64]bool)
	var out []int64
	for _, iv := range s.Intervals {
		high := iv.High
		if high == Unbounded {
			high = maxID
		}
		low := iv.Low
		if low > high {
			low, high = high, low
		}
		for id := low; id <= high; id++ {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// Contains reports whether id falls within any interval, treating
// Unbounded highs as +infinity without requiring a maxID.
func (s SeqSet) Contains(id int64) bool {
	for _, iv := range s.Intervals {
		if id < iv.Low {
			continue
		}
		if iv.High == Unbounded || id <= iv.High {
			return true
		}
	}
	return false
}

func (s SeqSet) String() string {
	parts := make([]string, 0, len(s.Intervals))
	for _, iv := range s.Intervals {
		if iv.Low == iv.High {
			parts = append(parts, strconv.FormatInt(iv.Low, 10))
			continue
		}
		high := "*"
		if iv.High != Unbounded {
			high = strconv.FormatInt(iv.High, 10)
		}
		parts = append(parts, fmt.Sprintf("%d:%s", iv.Low, high))
	}
	return strings.Join(parts, ",")
}
