package crawler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ligustah/tilesync/internal/catalog"
	"github.com/ligustah/tilesync/internal/progress"
	"github.com/ligustah/tilesync/internal/snapshot"
)

// Lister reads the archive hierarchy. *listing.Client implements it.
type Lister interface {
	Years(ctx context.Context, archiveSet, product string) ([]string, error)
	Days(ctx context.Context, archiveSet, product, year string) ([]string, error)
	Files(ctx context.Context, archiveSet, product, year, day string) ([]string, error)
}

// Saver persists a finished index. *snapshot.Store implements it.
type Saver interface {
	Save(ctx context.Context, idx *catalog.Index, capturedAt time.Time) (snapshot.Info, error)
}

// Mode selects how much of the archive a crawl walks.
type Mode string

const (
	// ModeFull re-derives the index from scratch.
	ModeFull Mode = "full"

	// ModeIncremental starts from a prior index and only walks the days
	// published since its capture.
	ModeIncremental Mode = "incremental"
)

// ParseMode parses a crawl mode. The empty string is ModeFull.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case "", ModeFull:
		return ModeFull, nil
	case ModeIncremental:
		return ModeIncremental, nil
	}
	return "", fmt.Errorf("crawler: unknown mode %q (want full or incremental)", s)
}

// Options configures a crawl.
type Options struct {
	ArchiveSet string
	Product    string
	Cadence    catalog.Cadence

	// Mode defaults to ModeFull.
	Mode Mode

	// Prior and Since seed an incremental crawl: Prior is cloned and only
	// days on or after Since are listed. Both are ignored in ModeFull.
	Prior *catalog.Index
	Since time.Time

	// Store receives the index after a crawl with no failed branches.
	// Nil skips persistence.
	Store Saver

	// Progress receives one DayProcessed per listed day. Optional.
	Progress *progress.Reporter

	// Logger defaults to a no-op logger.
	Logger *zap.Logger

	// Now stamps the snapshot. Default: time.Now.
	Now func() time.Time
}

// Result summarizes a crawl.
type Result struct {
	Index    *catalog.Index
	Snapshot snapshot.Info
	Saved    bool

	Days    int // day listings read
	Files   int // entries inserted
	Skipped int // names that were not valid years, days or tile files
}

// Crawler walks the archive's year/day/file listings into a catalog.Index.
// A Crawler is single-threaded; run one Crawl at a time.
type Crawler struct {
	lister Lister
	opts   Options
	logger *zap.Logger
}

// New creates a crawler for one archive set and product.
func New(lister Lister, opts Options) *Crawler {
	if opts.Mode == "" {
		opts.Mode = ModeFull
	}
	if opts.Cadence == "" {
		opts.Cadence = catalog.CadenceFor(opts.Product, nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("archive_set", opts.ArchiveSet), zap.String("product", opts.Product))
	return &Crawler{lister: lister, opts: opts, logger: logger}
}

// Crawl traverses the archive and returns the resulting index.
//
// A failed year or day listing abandons that branch only; the remaining
// branches are still crawled and the failures are returned together as a
// *CrawlError alongside the partial result. A partial index is never saved.
// Failing to list the years, or context cancellation, aborts the crawl.
func (c *Crawler) Crawl(ctx context.Context) (*Result, error) {
	start := c.opts.Now()

	idx := catalog.New(c.opts.ArchiveSet, c.opts.Product, c.opts.Cadence)
	var since time.Time
	if c.opts.Mode == ModeIncremental && c.opts.Prior != nil {
		idx = c.opts.Prior.Clone()
		idx.ArchiveSet = c.opts.ArchiveSet
		idx.Product = c.opts.Product
		idx.Cadence = c.opts.Cadence
		since = c.opts.Since.UTC()
	}

	c.logger.Info("crawl started",
		zap.String("mode", string(c.opts.Mode)),
		zap.Int("prior_entries", idx.Len()),
	)

	years, err := c.lister.Years(ctx, c.opts.ArchiveSet, c.opts.Product)
	if err != nil {
		return nil, fmt.Errorf("crawler: list years of %s/%s: %w", c.opts.ArchiveSet, c.opts.Product, err)
	}

	res := &Result{Index: idx}
	var branches []*BranchError

	for _, y := range sortedYears(years, c.logger, &res.Skipped) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !since.IsZero() && y < since.Year() {
			continue
		}
		year := strconv.Itoa(y)

		days, err := c.lister.Days(ctx, c.opts.ArchiveSet, c.opts.Product, year)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Error("year listing failed", zap.Int("year", y), zap.Error(err))
			branches = append(branches, &BranchError{Year: y, Err: err})
			continue
		}
		slices.Sort(days)

		for _, day := range days {
			if !catalog.ValidDOY(day) {
				c.logger.Warn("skipping invalid day", zap.Int("year", y), zap.String("day", day))
				res.Skipped++
				continue
			}
			if !since.IsZero() && y == since.Year() && day < catalog.DayOfYear(since) {
				continue
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			files, err := c.lister.Files(ctx, c.opts.ArchiveSet, c.opts.Product, year, day)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				c.logger.Error("day listing failed", zap.Int("year", y), zap.String("day", day), zap.Error(err))
				branches = append(branches, &BranchError{Year: y, Day: day, Err: err})
				continue
			}

			inserted := 0
			for _, name := range files {
				if !catalog.PlainName(name) {
					c.logger.Warn("skipping unsafe file name", zap.String("name", name))
					res.Skipped++
					continue
				}
				tile, ok := TileOf(name)
				if !ok {
					c.logger.Warn("skipping file without tile field", zap.String("name", name))
					res.Skipped++
					continue
				}
				if err := idx.Insert(tile, y, day, name); err != nil {
					c.logger.Warn("skipping file", zap.String("name", name), zap.Error(err))
					res.Skipped++
					continue
				}
				inserted++
			}

			res.Days++
			res.Files += inserted
			c.opts.Progress.DayProcessed(inserted)
			c.logger.Debug("crawled day",
				zap.Int("year", y),
				zap.String("day", day),
				zap.Int("files", inserted),
			)
		}
	}

	if len(branches) > 0 {
		c.logger.Error("crawl incomplete, snapshot not saved",
			zap.Int("failed_branches", len(branches)),
			zap.Int("entries", idx.Len()),
		)
		return res, &CrawlError{Branches: branches}
	}

	if c.opts.Store != nil {
		info, err := c.opts.Store.Save(ctx, idx, c.opts.Now())
		if err != nil {
			return res, fmt.Errorf("crawler: save snapshot: %w", err)
		}
		res.Snapshot = info
		res.Saved = true
	}

	c.logger.Info("crawl finished",
		zap.Int("days", res.Days),
		zap.Int("files", res.Files),
		zap.Int("skipped", res.Skipped),
		zap.Int("entries", idx.Len()),
		zap.String("snapshot", res.Snapshot.Key),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

// TileOf returns the tile id of an archive filename, the third dot-separated
// field: "VNP43MA3.A2021001.h09v05.002.xyz.h5" -> "h09v05". Names that are
// not a plain file name have no tile.
func TileOf(name string) (string, bool) {
	if !catalog.PlainName(name) {
		return "", false
	}
	parts := strings.Split(name, ".")
	if len(parts) < 3 || parts[2] == "" {
		return "", false
	}
	return parts[2], true
}

// sortedYears parses year names and returns them ascending.
func sortedYears(names []string, logger *zap.Logger, skipped *int) []int {
	years := make([]int, 0, len(names))
	for _, n := range names {
		y, err := strconv.Atoi(n)
		if err != nil || y <= 0 {
			logger.Warn("skipping invalid year", zap.String("year", n))
			*skipped++
			continue
		}
		years = append(years, y)
	}
	slices.Sort(years)
	return slices.Compact(years)
}

// BranchError records a year or day listing that could not be read.
// Day is empty when the whole year failed.
type BranchError struct {
	Year int
	Day  string
	Err  error
}

func (e *BranchError) Error() string {
	if e.Day == "" {
		return fmt.Sprintf("year %d: %v", e.Year, e.Err)
	}
	return fmt.Sprintf("year %d day %s: %v", e.Year, e.Day, e.Err)
}

func (e *BranchError) Unwrap() error {
	return e.Err
}

// CrawlError is returned when one or more branches failed.
type CrawlError struct {
	Branches []*BranchError
}

func (e *CrawlError) Error() string {
	msgs := make([]string, 0, len(e.Branches))
	for _, b := range e.Branches {
		msgs = append(msgs, b.Error())
	}
	return fmt.Sprintf("crawler: %d branches failed: %s", len(e.Branches), strings.Join(msgs, "; "))
}

func (e *CrawlError) Unwrap() []error {
	errs := make([]error, len(e.Branches))
	for i, b := range e.Branches {
		errs[i] = b
	}
	return errs
}

// IsIncomplete reports whether err is a *CrawlError.
func IsIncomplete(err error) bool {
	var ce *CrawlError
	return errors.As(err, &ce)
}
