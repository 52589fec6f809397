package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ligustah/tilesync/internal/progress"
	"github.com/ligustah/tilesync/internal/snapshot"
)

func newSnapshotsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshots PRODUCT...",
		Short: "List stored catalog snapshots, newest first",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSnapshots(args)
		},
	}
}

func (a *app) runSnapshots(args []string) error {
	ctx, cancel := a.context()
	defer cancel()

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tCAPTURED\tID\tSIZE\tFORMAT")
	for _, product := range a.products(args) {
		infos, err := store.List(ctx, a.cfg.ArchiveSet, product)
		if err != nil {
			return exitErr(ExitStorageError, err)
		}
		for _, info := range infos {
			id := info.ID
			if id == "" {
				id = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				info.Key, info.CapturedAt.Format(time.DateOnly), id, progress.FormatBytes(info.Size), format(info))
		}
	}
	return w.Flush()
}

func format(info snapshot.Info) string {
	switch {
	case info.Legacy:
		return "legacy"
	case info.Compressed:
		return "zstd"
	}
	return "json"
}
