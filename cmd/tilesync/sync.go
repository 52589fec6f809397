package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ligustah/tilesync/internal/fetcher"
)

func newSyncCmd(a *app) *cobra.Command {
	var (
		start, end string
		refresh    bool
	)
	cmd := &cobra.Command{
		Use:   "sync --start DATE --end DATE",
		Short: "Download the files of a date range that are not yet local",
		Long: `Sync resolves every configured tile and day in [start, end] for each
product and downloads the files whose names are not already present anywhere
under the output directory. Files are written directly into the output
directory.

Exit status is 6 when any file could not be fetched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSync(start, end, refresh)
		},
	}

	f := cmd.Flags()
	f.StringVar(&start, "start", "", "first day, YYYY-MM-DD (required)")
	f.StringVar(&end, "end", "", "last day, YYYY-MM-DD (required)")
	f.StringSliceVar(&a.flags.Products, "products", nil, "products or product suffixes")
	f.StringSliceVar(&a.flags.Tiles, "tiles", nil, "tiles, e.g. h09v05")
	f.StringVarP(&a.flags.OutputDir, "output-dir", "o", "", "output directory")
	f.IntVarP(&a.flags.Workers, "workers", "w", 0, "concurrent downloads (default 3)")
	f.DurationVar(&a.flags.TaskTimeout, "task-timeout", 0, "time limit per file, retries included")
	f.IntVar(&a.flags.MaxConsecutiveFailures, "max-failures", 0, "stop after this many consecutive failures (0 disables)")
	f.BoolVar(&refresh, "refresh", false, "crawl before planning even when a snapshot exists")
	cmd.MarkFlagRequired("start")
	cmd.MarkFlagRequired("end")
	return cmd
}

func (a *app) runSync(startArg, endArg string, refresh bool) error {
	if err := a.cfg.ValidateSync(); err != nil {
		return exitErr(ExitInvalidArgs, err)
	}
	start, err := parseDate(startArg)
	if err != nil {
		return err
	}
	end, err := parseDate(endArg)
	if err != nil {
		return err
	}
	if end.Before(start) {
		return exitErr(ExitInvalidArgs, fmt.Errorf("end %s before start %s", endArg, startArg))
	}

	ctx, cancel := a.context()
	defer cancel()

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	p, err := a.newPipeline(store, refresh)
	if err != nil {
		return err
	}

	products := a.products(a.cfg.Products)
	a.logger.Info("starting sync",
		zap.Strings("products", products),
		zap.Strings("tiles", a.cfg.Tiles),
		zap.String("start", startArg),
		zap.String("end", endArg),
		zap.String("output_dir", a.cfg.OutputDir))

	results, err := p.Sync(ctx, products, a.cfg.Tiles, start, end)

	var cb *fetcher.CircuitBreakerError
	if err != nil && results == nil && !errors.As(err, &cb) {
		return classify(err)
	}

	summary := fetcher.Summarize(results)
	summary.Report(a.stdout)

	switch {
	case errors.As(err, &cb):
		return exitErr(ExitFetchFailed, err)
	case err != nil:
		return classify(err)
	case !summary.OK():
		return exitErr(ExitFetchFailed, fmt.Errorf("%d of %d files failed", summary.Failed, summary.Total))
	}
	return nil
}
