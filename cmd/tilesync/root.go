package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ligustah/tilesync/internal/config"
	"github.com/ligustah/tilesync/internal/crawler"
	"github.com/ligustah/tilesync/internal/fetcher"
	tilehttp "github.com/ligustah/tilesync/internal/http"
	"github.com/ligustah/tilesync/internal/listing"
	"github.com/ligustah/tilesync/internal/logging"
	"github.com/ligustah/tilesync/internal/pipeline"
	"github.com/ligustah/tilesync/internal/snapshot"
)

// app holds state shared by all subcommands of one invocation.
type app struct {
	stdout io.Writer
	stderr io.Writer

	cfgFile string
	verbose bool
	flags   config.Config // flag values, merged over file and environment

	cfg    config.Config
	logger *zap.Logger
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "tilesync",
		Short: "Catalog and mirror tiled satellite products from a remote archive",
		Long: `tilesync crawls the archive's year/day listings into a catalog snapshot,
resolves tiles and dates to file URLs, and downloads what is missing locally.

Examples:
  tilesync crawl VNP46A3
  tilesync lookup VNP46A3 h09v05 2021-02-14
  tilesync sync --products 46A3 --tiles h09v05,h10v05 --start 2021-01-01 --end 2021-12-31
  tilesync snapshots VNP46A3`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (YAML)")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")
	pf.StringVar(&a.flags.BaseURL, "base-url", "", "archive base URL")
	pf.StringVar(&a.flags.SnapshotURL, "snapshot-url", "", "snapshot location: directory or bucket URL")
	pf.StringVar(&a.flags.ArchiveSet, "archive-set", "", "archive set (default 5000)")
	pf.BoolVar(&a.flags.Progress, "progress", false, "show progress output")

	root.AddCommand(newCrawlCmd(a))
	root.AddCommand(newLookupCmd(a))
	root.AddCommand(newSyncCmd(a))
	root.AddCommand(newSnapshotsCmd(a))
	return root
}

// setup resolves configuration (defaults < file < environment < flags) and
// builds the logger.
func (a *app) setup() error {
	cfg := config.Default()
	if a.cfgFile != "" {
		var err error
		if cfg, err = config.LoadFromFile(a.cfgFile); err != nil {
			return exitErr(ExitInvalidArgs, err)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return exitErr(ExitInvalidArgs, err)
	}
	cfg = cfg.Merge(a.flags)
	if a.verbose {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return exitErr(ExitInvalidArgs, err)
	}

	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Log.Output == "" || cfg.Log.Output == "stderr" {
		logger, err = logging.NewWriter(cfg.Log, a.stderr)
	} else {
		logger, err = logging.New(cfg.Log)
	}
	if err != nil {
		return exitErr(ExitInvalidArgs, err)
	}

	a.cfg = cfg
	a.logger = logger
	return nil
}

// context returns a context cancelled on SIGINT or SIGTERM.
func (a *app) context() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(a.stderr, "\n[tilesync] Received interrupt, shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

func (a *app) openStore(ctx context.Context) (*snapshot.Store, error) {
	store, err := snapshot.Open(ctx, a.cfg.SnapshotURL, snapshot.Options{
		Compress: a.cfg.CompressSnapshots,
		Logger:   a.logger,
	})
	if err != nil {
		return nil, exitErr(ExitStorageError, err)
	}
	return store, nil
}

func (a *app) httpOptions() tilehttp.Options {
	opts := a.cfg.HTTPOptions()
	opts.Logger = a.logger
	return opts
}

func (a *app) newPipeline(store *snapshot.Store, refresh bool) (*pipeline.Pipeline, error) {
	mode, err := a.cfg.Mode()
	if err != nil {
		return nil, exitErr(ExitInvalidArgs, err)
	}
	cadences, err := a.cfg.Cadences()
	if err != nil {
		return nil, exitErr(ExitInvalidArgs, err)
	}

	cfg := pipeline.Config{
		ArchiveSet: a.cfg.ArchiveSet,
		BaseURL:    a.cfg.BaseURL,
		OutputDir:  a.cfg.OutputDir,
		Cadences:   cadences,
		Refresh:    refresh,
		Mode:       mode,
		Fetch: fetcher.Options{
			Workers:                a.cfg.Workers,
			TaskTimeout:            a.cfg.TaskTimeout,
			HTTPOptions:            a.httpOptions(),
			MaxConsecutiveFailures: a.cfg.MaxConsecutiveFailures,
		},
		Logger: a.logger,
	}
	if a.cfg.Progress {
		cfg.ProgressOutput = a.stderr
	}

	lister := listing.New(tilehttp.NewClient(a.httpOptions()), a.cfg.BaseURL)
	return pipeline.New(store, lister, cfg), nil
}

// products expands product names or suffixes for the configured archive set.
func (a *app) products(names []string) []string {
	var out []string
	for _, n := range names {
		out = append(out, pipeline.Products(a.cfg.ArchiveSet, n)...)
	}
	return out
}

// classify maps a crawl or index error to an exit code.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case crawler.IsIncomplete(err):
		return exitErr(ExitCrawlIncomplete, err)
	case errors.Is(err, context.Canceled):
		return exitErr(ExitGeneralError, fmt.Errorf("interrupted: %w", err))
	case errors.Is(err, tilehttp.ErrRequestExhausted),
		errors.Is(err, tilehttp.ErrUnauthorized),
		errors.Is(err, tilehttp.ErrForbidden),
		errors.Is(err, tilehttp.ErrNotFound):
		return exitErr(ExitSourceNotAccess, err)
	}
	return exitErr(ExitStorageError, err)
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, exitErr(ExitInvalidArgs, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", s))
	}
	return t, nil
}
