// Package timecode converts logical elapsed seconds to and from the HH:MM:SS
// form used to tag uploaded speech segments.
package timecode

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidTimecode indicates a value that is not HH:MM:SS.
var ErrInvalidTimecode = errors.New("timecode: invalid value")

// Format renders seconds as HH:MM:SS. Negative input renders as 00:00:00 and
// hours are not wrapped.
func Format(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, secs)
}

// Parse converts HH:MM:SS back to seconds.
func Parse(value string) (int64, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimecode, value)
	}
	fields := make([]int64, 3)
	for index, part := range parts {
		if len(part) < 2 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidTimecode, value)
		}
		number, err := strconv.ParseInt(part, 10, 64)
		if err != nil || number < 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidTimecode, value)
		}
		fields[index] = number
	}
	if fields[1] > 59 || fields[2] > 59 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimecode, value)
	}
	return fields[0]*3600 + fields[1]*60 + fields[2], nil
}
