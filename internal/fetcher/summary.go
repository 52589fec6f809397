package fetcher

import (
	"fmt"
	"io"

	"github.com/ligustah/tilesync/internal/progress"
)

// Summary aggregates a batch of results.
type Summary struct {
	Total     int
	Succeeded int
	Skipped   int
	Failed    int
	Bytes     int64
	ByKind    map[Kind]int
	Failures  []Result
}

// Summarize counts results by status and failure kind.
func Summarize(results []Result) Summary {
	s := Summary{Total: len(results), ByKind: make(map[Kind]int)}
	for _, r := range results {
		switch r.Status {
		case StatusSuccess:
			s.Succeeded++
			s.Bytes += r.Bytes
		case StatusSkipped:
			s.Skipped++
		case StatusFailed:
			s.Failed++
			s.ByKind[r.Kind]++
			s.Failures = append(s.Failures, r)
		}
	}
	return s
}

// OK reports whether no task failed.
func (s Summary) OK() bool {
	return s.Failed == 0
}

// Report writes a human-readable summary listing every failed URL.
func (s Summary) Report(w io.Writer) {
	fmt.Fprintf(w, "fetched %d of %d files (%d skipped, %d failed, %s)\n",
		s.Succeeded, s.Total, s.Skipped, s.Failed, progress.FormatBytes(s.Bytes))
	for _, r := range s.Failures {
		fmt.Fprintf(w, "  FAILED %s [%s]: %v\n", r.Task.URL, r.Kind, r.Err)
	}
}
