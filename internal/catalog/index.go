package catalog

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidDOY is returned by Insert for day-of-year keys that are not
	// exactly three digits in 001-366.
	ErrInvalidDOY = errors.New("catalog: day of year must be three digits in 001-366")

	// ErrInvalidTile is returned by Insert for an empty tile id.
	ErrInvalidTile = errors.New("catalog: empty tile id")

	// ErrInvalidFilename is returned by Insert for names that are not a
	// single plain path element.
	ErrInvalidFilename = errors.New("catalog: filename must be a plain file name")
)

// Index maps tile -> year -> day of year -> remote filename for one product
// in one archive set.
//
// An Index is not safe for concurrent mutation. The crawler is its only
// writer; readers share it once the crawl is done.
type Index struct {
	ArchiveSet string
	Product    string
	Cadence    Cadence

	entries map[string]map[int]map[string]string
}

// New returns an empty index.
func New(archiveSet, product string, cadence Cadence) *Index {
	if cadence == "" {
		cadence = Daily
	}
	return &Index{
		ArchiveSet: archiveSet,
		Product:    product,
		Cadence:    cadence,
		entries:    make(map[string]map[int]map[string]string),
	}
}

// Insert records filename for (tile, year, doy), replacing any earlier value.
func (i *Index) Insert(tile string, year int, doy, filename string) error {
	if tile == "" {
		return ErrInvalidTile
	}
	if _, err := parseDOY(doy); err != nil {
		return err
	}
	if !PlainName(filename) {
		return fmt.Errorf("%w: %q", ErrInvalidFilename, filename)
	}

	years, ok := i.entries[tile]
	if !ok {
		years = make(map[int]map[string]string)
		i.entries[tile] = years
	}
	days, ok := years[year]
	if !ok {
		days = make(map[string]string)
		years[year] = days
	}
	days[doy] = filename
	return nil
}

// Get returns the filename stored at an exact coordinate.
func (i *Index) Get(tile string, year int, doy string) (string, bool) {
	name, ok := i.entries[tile][year][doy]
	return name, ok
}

// Lookup normalizes date to the product cadence and returns the filename
// recorded for it. Absence is reported with ok == false.
func (i *Index) Lookup(tile string, date time.Time) (filename string, ok bool) {
	date = i.Cadence.Normalize(date)
	return i.Get(tile, date.Year(), DayOfYear(date))
}

// Tiles returns the tile ids in ascending order.
func (i *Index) Tiles() []string {
	return slices.Sorted(maps.Keys(i.entries))
}

// Years returns the years recorded for tile in ascending order.
func (i *Index) Years(tile string) []int {
	return slices.Sorted(maps.Keys(i.entries[tile]))
}

// Days returns the days of year recorded for tile in year, ascending.
func (i *Index) Days(tile string, year int) []string {
	return slices.Sorted(maps.Keys(i.entries[tile][year]))
}

// Len returns the number of (tile, year, doy) entries.
func (i *Index) Len() int {
	n := 0
	for _, years := range i.entries {
		for _, days := range years {
			n += len(days)
		}
	}
	return n
}

// Walk calls fn for every entry in tile, year, doy order.
func (i *Index) Walk(fn func(tile string, year int, doy, filename string)) {
	for _, tile := range i.Tiles() {
		for _, year := range i.Years(tile) {
			for _, doy := range i.Days(tile, year) {
				fn(tile, year, doy, i.entries[tile][year][doy])
			}
		}
	}
}

// Clone returns a deep copy of the index.
func (i *Index) Clone() *Index {
	c := New(i.ArchiveSet, i.Product, i.Cadence)
	for tile, years := range i.entries {
		cy := make(map[int]map[string]string, len(years))
		for year, days := range years {
			cy[year] = maps.Clone(days)
		}
		c.entries[tile] = cy
	}
	return c
}

// Equal reports whether both indexes describe the same product and hold the
// same entries.
func (i *Index) Equal(o *Index) bool {
	if i.ArchiveSet != o.ArchiveSet || i.Product != o.Product || i.Cadence != o.Cadence {
		return false
	}
	if len(i.entries) != len(o.entries) {
		return false
	}
	for tile, years := range i.entries {
		oyears, ok := o.entries[tile]
		if !ok || len(years) != len(oyears) {
			return false
		}
		for year, days := range years {
			odays, ok := oyears[year]
			if !ok || !maps.Equal(days, odays) {
				return false
			}
		}
	}
	return true
}

// ValidDOY reports whether s is a well-formed day-of-year key.
func ValidDOY(s string) bool {
	_, err := parseDOY(s)
	return err == nil
}

func parseDOY(s string) (int, error) {
	if len(s) != 3 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDOY, s)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: %q", ErrInvalidDOY, s)
		}
	}
	n, _ := strconv.Atoi(s)
	if n < 1 || n > 366 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDOY, s)
	}
	return n, nil
}

// PlainName reports whether name can be used as a file name directly below
// a directory: non-empty, no separators and no "..".
func PlainName(name string) bool {
	return name != "" && name != "." &&
		!strings.ContainsAny(name, `/\`) &&
		!strings.Contains(name, "..")
}
