package catalog

import (
	"fmt"
	"strings"
	"time"
)

// Cadence is how often a product's composites are produced.
type Cadence string

const (
	Daily   Cadence = "daily"
	Monthly Cadence = "monthly"
	Annual  Cadence = "annual"
)

// defaultCadences lists the products whose composites are coarser than daily.
var defaultCadences = map[string]Cadence{
	"VNP46A3": Monthly,
	"VNP46A4": Annual,
}

// CadenceFor returns the cadence of product. Entries in overrides take
// precedence over the built-in table; unknown products are daily.
func CadenceFor(product string, overrides map[string]Cadence) Cadence {
	if c, ok := overrides[product]; ok {
		return c
	}
	if c, ok := defaultCadences[product]; ok {
		return c
	}
	return Daily
}

// ParseCadence parses a cadence name.
func ParseCadence(s string) (Cadence, error) {
	switch c := Cadence(strings.ToLower(strings.TrimSpace(s))); c {
	case Daily, Monthly, Annual:
		return c, nil
	case "":
		return Daily, nil
	default:
		return "", fmt.Errorf("catalog: unknown cadence %q", s)
	}
}

// Normalize maps date to the first day of the composite period it belongs to.
// The result is always midnight UTC.
func (c Cadence) Normalize(date time.Time) time.Time {
	y, m, d := date.Date()
	switch c {
	case Monthly:
		d = 1
	case Annual:
		m, d = time.January, 1
	}
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DayOfYear returns the 1-based day of year of date, zero-padded to three
// digits.
func DayOfYear(date time.Time) string {
	return fmt.Sprintf("%03d", date.YearDay())
}

// DateOf returns the calendar date of day-of-year doy in year.
func DateOf(year int, doy string) (time.Time, error) {
	n, err := parseDOY(doy)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(year, time.January, n, 0, 0, 0, 0, time.UTC), nil
}
