package catalog

import (
	"strconv"
	"strings"
	"time"
)

// Target is a resolved fetch target.
type Target struct {
	Tile     string
	Date     time.Time // normalized to the product cadence
	DOY      string
	Filename string
	URL      string
}

// Resolver turns (tile, date) pairs into fetch URLs rooted at a base URL.
type Resolver struct {
	index   *Index
	baseURL string
}

// NewResolver returns a resolver over index. baseURL is the archive root,
// e.g. https://host/archive/allData.
func NewResolver(index *Index, baseURL string) *Resolver {
	return &Resolver{
		index:   index,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Index returns the index the resolver reads from.
func (r *Resolver) Index() *Index {
	return r.index
}

// Resolve returns the target for tile on date. A missing tile, year or day
// is reported with ok == false; that is the common case for sparse
// archives, not a failure.
func (r *Resolver) Resolve(tile string, date time.Time) (Target, bool) {
	date = r.index.Cadence.Normalize(date)
	doy := DayOfYear(date)

	name, ok := r.index.Get(tile, date.Year(), doy)
	if !ok {
		return Target{}, false
	}

	return Target{
		Tile:     tile,
		Date:     date,
		DOY:      doy,
		Filename: name,
		URL:      r.URL(date.Year(), doy, name),
	}, true
}

// Lookup returns the filename (filenameOnly) or the full URL for tile on
// date.
func (r *Resolver) Lookup(tile string, date time.Time, filenameOnly bool) (string, bool) {
	t, ok := r.Resolve(tile, date)
	if !ok {
		return "", false
	}
	if filenameOnly {
		return t.Filename, true
	}
	return t.URL, true
}

// Range resolves every calendar day in [start, end] for tile and returns the
// hits in date order. Days that normalize to the same composite yield one
// target rather than one per day, so a sync fetches each composite once.
// The result is computed afresh on each call.
func (r *Resolver) Range(tile string, start, end time.Time) []Target {
	start = Daily.Normalize(start)
	end = Daily.Normalize(end)

	var targets []Target
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		t, ok := r.Resolve(tile, day)
		if !ok {
			continue
		}
		if n := len(targets); n > 0 && targets[n-1].URL == t.URL {
			continue
		}
		targets = append(targets, t)
	}
	return targets
}

// URL builds base/archiveSet/product/year/doy/filename.
func (r *Resolver) URL(year int, doy, filename string) string {
	return strings.Join([]string{
		r.baseURL,
		r.index.ArchiveSet,
		r.index.Product,
		strconv.Itoa(year),
		doy,
		filename,
	}, "/")
}
