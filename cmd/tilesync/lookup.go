package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ligustah/tilesync/internal/catalog"
)

func newLookupCmd(a *app) *cobra.Command {
	var (
		filenameOnly bool
		refresh      bool
	)
	cmd := &cobra.Command{
		Use:   "lookup PRODUCT TILE DATE [END]",
		Short: "Resolve a tile and date to a file URL",
		Long: `Lookup prints the URL (or just the filename) of the product file covering
TILE on DATE. With END every distinct file in [DATE, END] is printed, one
per line. Dates are YYYY-MM-DD.

The newest snapshot is used; the product is crawled first when none exists.
Exits with status 1 when nothing matches.`,
		Args: cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runLookup(args, filenameOnly, refresh)
		},
	}
	cmd.Flags().BoolVar(&filenameOnly, "filename-only", false, "print filenames instead of URLs")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "crawl before resolving")
	return cmd
}

func (a *app) runLookup(args []string, filenameOnly, refresh bool) error {
	product, tile := args[0], args[1]
	start, err := parseDate(args[2])
	if err != nil {
		return err
	}
	end := start
	if len(args) == 4 {
		if end, err = parseDate(args[3]); err != nil {
			return err
		}
		if end.Before(start) {
			return exitErr(ExitInvalidArgs, fmt.Errorf("end %s before start %s", args[3], args[2]))
		}
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

	idx, err := p.Index(ctx, product)
	if err != nil {
		return classify(fmt.Errorf("index %s: %w", product, err))
	}
	resolver := catalog.NewResolver(idx, a.cfg.BaseURL)

	if len(args) == 3 {
		out, ok := resolver.Lookup(tile, start, filenameOnly)
		if !ok {
			return exitErr(ExitGeneralError, fmt.Errorf("no %s file for tile %s on %s", product, tile, args[2]))
		}
		fmt.Fprintln(a.stdout, out)
		return nil
	}

	targets := resolver.Range(tile, start, end)
	if len(targets) == 0 {
		return exitErr(ExitGeneralError, fmt.Errorf("no %s file for tile %s between %s and %s",
			product, tile, args[2], end.Format(time.DateOnly)))
	}
	for _, t := range targets {
		if filenameOnly {
			fmt.Fprintln(a.stdout, t.Filename)
		} else {
			fmt.Fprintln(a.stdout, t.URL)
		}
	}
	return nil
}
