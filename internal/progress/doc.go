// Package progress provides progress reporting for crawls and fetch batches.
//
// # Usage
//
//	reporter := progress.NewReporter(progress.Options{
//	    Label:   "fetch",
//	    Total:   len(tasks),
//	    Workers: 3,
//	})
//
//	reporter.Start()
//	defer reporter.Stop()
//
//	reporter.TaskStarted()
//	reporter.TaskCompleted(size)
//
// # Output Format
//
//	[tilesync] fetch: 12 tasks | Workers: 3
//	[tilesync] fetch: 4 completed | 2 skipped | 0 failed | 3 in-progress | 3 pending | 1.20 MB/s
//	[tilesync] crawl: 365 days | 4210 files
package progress
