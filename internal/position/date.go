package position

import (
	"fmt"
	"time"
)

// Date is a bare calendar date in ISO form (YYYY-MM-DD). The time zone policy
// for trade, settlement, and business dates is UTC throughout; "previous day"
// is plain calendar arithmetic with no trading-calendar awareness.
//
// ISO form makes lexicographic ordering chronological, so Dates compare with
// the built-in operators and sort correctly in SQL.
type Date string

const dateLayout = "2006-01-02"

// ParseDate validates and normalizes an ISO date string.
func ParseDate(s string) (Date, error) {
	t, err := time.ParseInLocation(dateLayout, s, time.UTC)
	if err != nil {
		return "", fmt.Errorf("invalid date %q: %w", s, err)
	}
	return Date(t.Format(dateLayout)), nil
}

// DateOf truncates an instant to its UTC calendar date.
func DateOf(t time.Time) Date {
	return Date(t.UTC().Format(dateLayout))
}

// Time returns midnight UTC of the date. Zero time for a malformed Date.
func (d Date) Time() time.Time {
	t, _ := time.ParseInLocation(dateLayout, string(d), time.UTC)
	return t
}

// AddDays returns the date shifted by n calendar days.
func (d Date) AddDays(n int) Date {
	return DateOf(d.Time().AddDate(0, 0, n))
}

// Prev returns the previous calendar day.
func (d Date) Prev() Date {
	return d.AddDays(-1)
}

// DaysUntil returns the number of calendar days from d to o (negative if o is earlier).
func (d Date) DaysUntil(o Date) int {
	return int(o.Time().Sub(d.Time()) / (24 * time.Hour))
}

func (d Date) String() string { return string(d) }
