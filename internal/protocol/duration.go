package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration wraps time.Duration so it always serializes to and parses from
// the wire format "HH:MM:SS.mmm", where HH may exceed two digits.
type Duration time.Duration

// FormatDuration renders d as "HH:MM:SS.mmm".
func FormatDuration(d time.Duration) string {
	total := d
	hours := total / time.Hour
	total -= hours * time.Hour
	minutes := total / time.Minute
	total -= minutes * time.Minute
	seconds := total / time.Second
	total -= seconds * time.Second
	millis := total / time.Millisecond
	return fmt.Sprintf("%02d:%02d:%02d.%03d", hours, minutes, seconds, millis)
}

// ParseDuration parses the wire format "HH:MM:SS.mmm" produced by
// FormatDuration. It is the exact inverse: ParseDuration(FormatDuration(d))
// == d for any d representable at millisecond precision.
func ParseDuration(s string) (time.Duration, error) {
	var hours, minutes, seconds, millis int64
	n, err := fmt.Sscanf(s, "%d:%d:%d.%d", &hours, &minutes, &seconds, &millis)
	if err != nil || n != 4 {
		return 0, fmt.Errorf("protocol: invalid duration %q: %w", s, err)
	}
	if minutes < 0 || minutes > 59 || seconds < 0 || seconds > 59 || millis < 0 || millis > 999 || hours < 0 {
		return 0, fmt.Errorf("protocol: invalid duration %q: component out of range", s)
	}
	return time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds)*time.Second +
		time.Duration(millis)*time.Millisecond, nil
}

func (d Duration) String() string {
	return FormatDuration(time.Duration(d))
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}
