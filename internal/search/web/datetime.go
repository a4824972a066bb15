package web

import (
	"fmt"
	"strings"
	"time"
)

const DefaultDateFormat = "%Y-%m-%d %H:%M:%S"

type DateTimeArgs struct {
	Operation  string `json:"operation"`
	DateString string `json:"date_string,omitempty"`
	Format     string `json:"format_string,omitempty"`
	DaysOffset int    `json:"days_offset,omitempty"`
}

var strftimeLayouts = map[byte]string{
	'Y': "2006",
	'y': "06",
	'm': "01",
	'd': "02",
	'H': "15",
	'I': "03",
	'M': "04",
	'S': "05",
	'p': "PM",
	'b': "Jan",
	'B': "January",
	'a': "Mon",
	'A': "Monday",
	'j': "002",
	'Z': "MST",
	'z': "-0700",
	'%': "%",
}

// Layout converts a strftime pattern into a time layout. Unknown directives
// are kept literally.
func Layout(format string) string {
	var b strings.Builder
	for i := 0; i < len(format); i++ {
		if format[i] != '%' || i+1 == len(format) {
			b.WriteByte(format[i])
			continue
		}
		if layout, ok := strftimeLayouts[format[i+1]]; ok {
			b.WriteString(layout)
			i++
			continue
		}
		b.WriteByte(format[i])
	}
	return b.String()
}

func parseDate(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

// DateTime runs one of the now, format, calculate or timezone operations
// relative to now.
func DateTime(now time.Time, args DateTimeArgs) (string, error) {
	format := args.Format
	if format == "" {
		format = DefaultDateFormat
	}
	layout := Layout(format)

	switch args.Operation {
	case "now":
		return now.Format(layout), nil
	case "format":
		if args.DateString == "" {
			return "", fmt.Errorf("a date_string is required to format")
		}
		t, err := parseDate(args.DateString, now.Location())
		if err != nil {
			return "", err
		}
		return t.Format(layout), nil
	case "calculate":
		base := now
		if args.DateString != "" {
			t, err := parseDate(args.DateString, now.Location())
			if err != nil {
				return "", err
			}
			base = t
		}
		return base.AddDate(0, 0, args.DaysOffset).Format(layout), nil
	case "timezone":
		name, offset := now.Zone()
		return fmt.Sprintf("Current timezone: %s, UTC offset: %+.1f hours", name, float64(offset)/3600), nil
	default:
		return "", fmt.Errorf("unsupported operation %q", args.Operation)
	}
}
