package eml

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MboxDateLayout is the postmark date layout, asctime style.
const MboxDateLayout = "Mon Jan 02 15:04:05 2006"

// zoneOffsets maps the RFC 2822 obsolete zone names to numeric offsets.
var zoneOffsets = map[string]string{
	"UTC": "+0000",
	"UT":  "+0000",
	"GMT": "+0000",
	"EST": "-0500",
	"EDT": "-0400",
	"CST": "-0600",
	"CDT": "-0500",
	"MST": "-0700",
	"MDT": "-0600",
	"PST": "-0800",
	"PDT": "-0700",
}

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

var weekdays = map[string]bool{
	"mon": true, "tue": true, "wed": true, "thu": true, "fri": true, "sat": true, "sun": true,
}

var (
	errNoDate      = errors.New("no day, month and year found")
	errBadTime     = errors.New("malformed time of day")
	errOutOfRange  = errors.New("date component out of range")
	errExtraNumber = errors.New("unexpected number")
)

// FormMboxDate formats t in UTC as a postmark date. A non-empty zone is
// appended verbatim after a single space.
func FormMboxDate(t time.Time, zone string) string {
	s := t.UTC().Format(MboxDateLayout)
	if zone == "" {
		return s
	}
	return s + " " + zone
}

// ZoneOffset returns the numeric offset for a legacy zone name, or "" when unknown.
func ZoneOffset(name string) string {
	return zoneOffsets[strings.ToUpper(name)]
}

// ParseDate parses a Date: header value. The returned instant is built in UTC
// from the numeric components; the zone is not applied to it and is returned
// separately as a numeric offset string, or "" when absent or unknown.
func ParseDate(value string) (time.Time, string, error) {
	year, day := -1, -1
	var month time.Month
	var hour, minute, sec int
	var hasTime, hasZone, am, pm bool
	var zone string

	for _, tok := range strings.Fields(strings.ReplaceAll(stripComments(value), ",", " ")) {
		lower := strings.ToLower(tok)
		switch {
		case isNumericZone(tok):
			if !hasZone {
				zone, hasZone = tok, true
			}
		case !hasTime && strings.Contains(tok, ":"):
			h, m, s, err := parseClock(tok)
			if err != nil {
				return time.Time{}, "", err
			}
			hour, minute, sec, hasTime = h, m, s, true
		case isDigits(tok):
			n, err := strconv.Atoi(tok)
			if err != nil {
				return time.Time{}, "", err
			}
			switch {
			case year < 0 && (len(tok) > 2 || n > 31):
				year = n
			case day < 0:
				day = n
			case year < 0:
				year = n
			default:
				return time.Time{}, "", fmt.Errorf("%w %q", errExtraNumber, tok)
			}
		case year < 0 && month == 0 && isISODate(tok):
			y, m, d, err := parseISODate(tok)
			if err != nil {
				return time.Time{}, "", err
			}
			year, month, day = y, m, d
		case lower == "am":
			am = true
		case lower == "pm":
			pm = true
		case len(lower) >= 3 && weekdays[lower[:3]] && month == 0 && !hasTime:
			// day of week is recomputed from the date
		case len(lower) >= 3 && month == 0 && months[lower[:3]] != 0:
			month = months[lower[:3]]
		case hasTime && !hasZone && isAlpha(tok):
			hasZone = true
			zone = ZoneOffset(tok)
		}
	}

	if year < 0 || day < 0 || month == 0 {
		return time.Time{}, "", errNoDate
	}
	year = expandYear(year, year < 1000)
	if pm && hour < 12 {
		hour += 12
	}
	if am && hour == 12 {
		hour = 0
	}
	if day < 1 || day > daysIn(month, year) || hour > 23 || minute > 59 || sec > 60 {
		return time.Time{}, "", errOutOfRange
	}

	return time.Date(year, month, day, hour, minute, sec, 0, time.UTC), zone, nil
}

// Instant places the wall-clock components of t, as returned by ParseDate, in
// the numeric zone. An empty or unknown zone leaves t in UTC.
func Instant(t time.Time, zone string) time.Time {
	if !isNumericZone(zone) {
		return t
	}
	digits := strings.ReplaceAll(zone[1:], ":", "")
	hours, _ := strconv.Atoi(digits[:2])
	minutes := 0
	if len(digits) == 4 {
		minutes, _ = strconv.Atoi(digits[2:])
	}
	offset := hours*3600 + minutes*60
	if zone[0] == '-' {
		offset = -offset
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.FixedZone(zone, offset))
}

// PostmarkDate parses a Date: header value and formats it for the postmark line.
func PostmarkDate(value string) (string, error) {
	t, zone, err := ParseDate(value)
	if err != nil {
		return "", err
	}
	return FormMboxDate(t, zone), nil
}

// expandYear applies the RFC 5322 obsolete year rules to short years. This
// deliberately departs from a literal reading, where "06" would be year 6.
func expandYear(year int, short bool) int {
	if !short {
		return year
	}
	switch {
	case year < 50:
		return year + 2000
	case year < 1000:
		return year + 1900
	}
	return year
}

func daysIn(m time.Month, year int) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func parseClock(tok string) (h, m, s int, err error) {
	parts := strings.Split(tok, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, 0, 0, fmt.Errorf("%w %q", errBadTime, tok)
	}
	vals := make([]int, 3)
	for i, p := range parts {
		// tolerate fractional seconds
		if i == 2 {
			p, _, _ = strings.Cut(p, ".")
		}
		if !isDigits(p) || len(p) > 2 {
			return 0, 0, 0, fmt.Errorf("%w %q", errBadTime, tok)
		}
		vals[i], _ = strconv.Atoi(p)
	}
	return vals[0], vals[1], vals[2], nil
}

func isISODate(tok string) bool {
	return strings.Count(tok, "-") == 2 && tok[0] >= '0' && tok[0] <= '9'
}

func parseISODate(tok string) (int, time.Month, int, error) {
	parts := strings.Split(tok, "-")
	if len(parts[0]) != 4 || !isDigits(parts[0]) || !isDigits(parts[1]) || !isDigits(parts[2]) {
		return 0, 0, 0, errNoDate
	}
	y, _ := strconv.Atoi(parts[0])
	m, _ := strconv.Atoi(parts[1])
	d, _ := strconv.Atoi(parts[2])
	if m < 1 || m > 12 {
		return 0, 0, 0, errOutOfRange
	}
	return y, time.Month(m), d, nil
}

func isNumericZone(tok string) bool {
	if len(tok) < 3 || (tok[0] != '+' && tok[0] != '-') {
		return false
	}
	digits := strings.ReplaceAll(tok[1:], ":", "")
	return (len(digits) == 4 || len(digits) == 2) && isDigits(digits)
}

func stripComments(s string) string {
	if !strings.ContainsRune(s, '(') {
		return s
	}
	var b strings.Builder
	depth := 0
	for _, r := range s {
		switch {
		case r == '(':
			depth++
		case r == ')' && depth > 0:
			depth--
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func isAlpha(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i] | 0x20
		if c < 'a' || c > 'z' {
			return false
		}
	}
	return true
}
