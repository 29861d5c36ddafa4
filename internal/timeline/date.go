package timeline

import (
	"fmt"
	"strings"
	"time"

	"nald_import/platform/sanitize"
)

// Date is a calendar day. Values are always UTC midnight so that two Dates
// for the same day compare equal with ==.
type Date struct {
	t time.Time
}

// legacyLayouts are tried in order when parsing dates from the legacy extract.
var legacyLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"2006-01-02T15:04:05Z07:00",
}

// NewDate builds a Date from a year, month and day.
func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates t to its UTC calendar day.
func DateOf(t time.Time) Date {
	if t.IsZero() {
		return Date{}
	}
	y, m, d := t.UTC().Date()
	return NewDate(y, m, d)
}

// ParseDate parses an ISO or legacy dd/mm/yyyy date.
func ParseDate(s string) (Date, error) {
	trimmed := strings.TrimSpace(s)
	for _, layout := range legacyLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return DateOf(t), nil
		}
	}
	return Date{}, fmt.Errorf("unrecognised date %q", s)
}

// ParseNullableDate parses a legacy date column where the text "null" or a
// blank value means no date.
func ParseNullableDate(s string) (*Date, error) {
	if sanitize.IsNull(s) {
		return nil, nil
	}
	d, err := ParseDate(s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// MustDate parses an ISO date and panics on failure. Intended for tests and constants.
func MustDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Time returns the UTC midnight instant of the day.
func (d Date) Time() time.Time { return d.t }

// IsZero reports whether the date is unset.
func (d Date) IsZero() bool { return d.t.IsZero() }

// AddDays returns the date n days later (earlier for negative n).
func (d Date) AddDays(n int) Date { return Date{t: d.t.AddDate(0, 0, n)} }

// Before reports whether d is strictly before o.
func (d Date) Before(o Date) bool { return d.t.Before(o.t) }

// After reports whether d is strictly after o.
func (d Date) After(o Date) bool { return d.t.After(o.t) }

// Equal reports whether d and o are the same day.
func (d Date) Equal(o Date) bool { return d.t.Equal(o.t) }

// Compare returns -1, 0 or +1.
func (d Date) Compare(o Date) int { return d.t.Compare(o.t) }

// String formats the date as yyyy-mm-dd.
func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.t.Format("2006-01-02")
}

// Ptr returns a pointer to a copy of d.
func (d Date) Ptr() *Date { return &d }

// CloneDate copies an optional date so the result never aliases the input.
func CloneDate(d *Date) *Date {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

// MinDate returns the earlier of an optional end (nil meaning open-ended) and limit.
func MinDate(end *Date, limit Date) Date {
	if end == nil || end.After(limit) {
		return limit
	}
	return *end
}

// FormatOptional renders an optional date, using "open" for nil.
func FormatOptional(d *Date) string {
	if d == nil {
		return "open"
	}
	return d.String()
}
