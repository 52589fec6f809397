// Package pipeline ties the catalog, crawler, snapshot store and fetcher
// together: load or build an index per product, plan the files a date range
// needs and fetch the ones not yet on disk.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ligustah/tilesync/internal/catalog"
	"github.com/ligustah/tilesync/internal/crawler"
	"github.com/ligustah/tilesync/internal/dedup"
	"github.com/ligustah/tilesync/internal/fetcher"
	"github.com/ligustah/tilesync/internal/progress"
	"github.com/ligustah/tilesync/internal/snapshot"
)

// Archive sets that carry a single platform.
const (
	ArchiveSetVNP = "5000"
	ArchiveSetVJ1 = "3194"
)

// Products expands a product suffix such as "43MA3" to the platform products
// an archive set publishes: VNP only in 5000, VJ1 only in 3194, both
// elsewhere. A suffix that already names a platform is returned unchanged.
func Products(archiveSet, suffix string) []string {
	if len(suffix) > 3 && (suffix[:3] == "VNP" || suffix[:3] == "VJ1") {
		return []string{suffix}
	}
	switch archiveSet {
	case ArchiveSetVNP:
		return []string{"VNP" + suffix}
	case ArchiveSetVJ1:
		return []string{"VJ1" + suffix}
	}
	return []string{"VJ1" + suffix, "VNP" + suffix}
}

// Plan resolves every tile and day in [start, end] and returns one task per
// distinct remote file whose name filter does not already hold. Files land
// directly in outputDir. Task IDs are assigned in order from 0.
func Plan(resolver *catalog.Resolver, filter *dedup.Filter, tiles []string, start, end time.Time, outputDir string) []fetcher.Task {
	var tasks []fetcher.Task
	seen := make(map[string]bool)
	for _, tile := range tiles {
		for _, target := range resolver.Range(tile, start, end) {
			if seen[target.URL] || filter.Has(target.Filename) {
				continue
			}
			dest, ok := destPath(outputDir, target.Filename)
			if !ok {
				continue
			}
			seen[target.URL] = true
			tasks = append(tasks, fetcher.Task{
				ID:   len(tasks),
				URL:  target.URL,
				Dest: dest,
			})
		}
	}
	return tasks
}

// destPath joins filename onto dir, refusing names that would land anywhere
// but directly inside dir.
func destPath(dir, filename string) (string, bool) {
	if !catalog.PlainName(filename) {
		return "", false
	}
	dest := filepath.Join(dir, filename)
	if filepath.Dir(dest) != filepath.Clean(dir) {
		return "", false
	}
	return dest, true
}

// Config configures a Pipeline.
type Config struct {
	ArchiveSet string
	BaseURL    string
	OutputDir  string

	// Cadences overrides the built-in product cadences.
	Cadences map[string]catalog.Cadence

	// Refresh crawls even when a snapshot exists, in Mode.
	Refresh bool
	Mode    crawler.Mode

	// Fetch is passed to the fetcher. Filter and Progress are set by Sync.
	Fetch fetcher.Options

	// ProgressOutput receives periodic progress lines. Nil disables them.
	ProgressOutput io.Writer

	Logger *zap.Logger
	Now    func() time.Time
}

// Pipeline runs crawls and syncs against one archive and snapshot store.
type Pipeline struct {
	store  *snapshot.Store
	lister crawler.Lister
	cfg    Config
	logger *zap.Logger
}

// New creates a pipeline.
func New(store *snapshot.Store, lister crawler.Lister, cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Mode == "" {
		cfg.Mode = crawler.ModeFull
	}
	return &Pipeline{store: store, lister: lister, cfg: cfg, logger: cfg.Logger}
}

// Crawl walks the archive for product and saves a snapshot. In incremental
// mode it builds on the newest existing snapshot.
func (p *Pipeline) Crawl(ctx context.Context, product string) (*crawler.Result, error) {
	var (
		prior *catalog.Index
		since time.Time
	)
	if p.cfg.Mode == crawler.ModeIncremental {
		idx, info, err := p.store.Load(ctx, p.cfg.ArchiveSet, product)
		switch {
		case err == nil:
			prior, since = idx, info.CapturedAt
		case errors.Is(err, snapshot.ErrNoSnapshot):
			p.logger.Info("no prior snapshot, crawling everything", zap.String("product", product))
		default:
			return nil, err
		}
	}
	return p.crawl(ctx, product, p.cfg.Mode, prior, since)
}

func (p *Pipeline) crawl(ctx context.Context, product string, mode crawler.Mode, prior *catalog.Index, since time.Time) (*crawler.Result, error) {
	var reporter *progress.Reporter
	if p.cfg.ProgressOutput != nil {
		reporter = progress.NewReporter(progress.Options{Label: "crawl " + product, Output: p.cfg.ProgressOutput})
		reporter.Start()
		defer reporter.Stop()
	}

	c := crawler.New(p.lister, crawler.Options{
		ArchiveSet: p.cfg.ArchiveSet,
		Product:    product,
		Cadence:    catalog.CadenceFor(product, p.cfg.Cadences),
		Mode:       mode,
		Prior:      prior,
		Since:      since,
		Store:      p.store,
		Progress:   reporter,
		Logger:     p.logger,
		Now:        p.cfg.Now,
	})
	return c.Crawl(ctx)
}

// Index returns the catalog of product: the newest snapshot, or a fresh
// crawl when no snapshot exists or Refresh is set. On a partial crawl the
// partial index is returned together with the *crawler.CrawlError.
func (p *Pipeline) Index(ctx context.Context, product string) (*catalog.Index, error) {
	idx, info, err := p.store.Load(ctx, p.cfg.ArchiveSet, product)
	switch {
	case err == nil && !p.cfg.Refresh:
		idx.Cadence = catalog.CadenceFor(product, p.cfg.Cadences)
		return idx, nil
	case err == nil:
	case errors.Is(err, snapshot.ErrNoSnapshot):
		p.logger.Info("no snapshot, crawling", zap.String("product", product))
	default:
		return nil, err
	}

	mode := crawler.ModeFull
	if p.cfg.Refresh && info.Key != "" {
		mode = p.cfg.Mode
	}
	res, err := p.crawl(ctx, product, mode, idx, info.CapturedAt)
	if res == nil {
		return nil, err
	}
	return res.Index, err
}

// Sync makes sure every file of products for tiles in [start, end] is
// present in OutputDir. Names already anywhere below OutputDir are not
// fetched again.
func (p *Pipeline) Sync(ctx context.Context, products, tiles []string, start, end time.Time) ([]fetcher.Result, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("pipeline: end %s before start %s", end.Format(time.DateOnly), start.Format(time.DateOnly))
	}

	filter, err := dedup.Scan(p.cfg.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("pipeline: scan %s: %w", p.cfg.OutputDir, err)
	}
	p.logger.Info("scanned output directory", zap.String("dir", p.cfg.OutputDir), zap.Int("files", filter.Len()))

	var tasks []fetcher.Task
	for _, product := range products {
		idx, err := p.Index(ctx, product)
		if err != nil {
			return nil, fmt.Errorf("pipeline: index %s: %w", product, err)
		}
		resolver := catalog.NewResolver(idx, p.cfg.BaseURL)
		planned := Plan(resolver, filter, tiles, start, end, p.cfg.OutputDir)
		for _, t := range planned {
			t.ID = len(tasks)
			tasks = append(tasks, t)
		}
		p.logger.Info("planned fetch", zap.String("product", product), zap.Int("tasks", len(planned)))
	}

	opts := p.cfg.Fetch
	opts.Filter = filter
	if opts.Logger == nil {
		opts.Logger = p.logger
	}
	if p.cfg.ProgressOutput != nil && len(tasks) > 0 {
		reporter := progress.NewReporter(progress.Options{
			Label:   "fetch",
			Total:   len(tasks),
			Workers: opts.Workers,
			Output:  p.cfg.ProgressOutput,
		})
		reporter.Start()
		defer reporter.Stop()
		opts.Progress = reporter
	}

	return fetcher.FetchAll(ctx, tasks, opts)
}
