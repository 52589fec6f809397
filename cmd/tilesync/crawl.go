package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newCrawlCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl [PRODUCT...]",
		Short: "Crawl archive listings into catalog snapshots",
		Long: `Crawl walks year and day listings of each product and saves a catalog
snapshot. Products may be given in full (VNP46A3) or as a suffix (46A3),
which is expanded for the archive set. Without arguments the configured
products are crawled.

A crawl with failed listings saves nothing and exits with status 7.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runCrawl(args)
		},
	}
	cmd.Flags().StringVar(&a.flags.CrawlMode, "mode", "", "crawl mode: full or incremental")
	cmd.Flags().BoolVar(&a.flags.CompressSnapshots, "compress", false, "write zstd-compressed snapshots")
	return cmd
}

func (a *app) runCrawl(args []string) error {
	names := args
	if len(names) == 0 {
		names = a.cfg.Products
	}
	if len(names) == 0 {
		return exitErr(ExitInvalidArgs, errors.New("no products given"))
	}

	ctx, cancel := a.context()
	defer cancel()

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	p, err := a.newPipeline(store, false)
	if err != nil {
		return err
	}

	var errs []error
	for _, product := range a.products(names) {
		res, err := p.Crawl(ctx, product)
		if res != nil {
			saved := "not saved"
			if res.Saved {
				saved = "snapshot " + res.Snapshot.Key
			}
			fmt.Fprintf(a.stdout, "%s: %d files in %d days, %s\n", product, res.Index.Len(), res.Days, saved)
		}
		if err != nil {
			a.logger.Error("crawl failed", zap.String("product", product), zap.Error(err))
			errs = append(errs, fmt.Errorf("crawl %s: %w", product, err))
			if ctx.Err() != nil {
				break
			}
		}
	}
	return classify(errors.Join(errs...))
}
