// Package fetcher downloads a batch of archive files with a bounded pool of
// workers.
//
// # Usage
//
//	results, err := fetcher.FetchAll(ctx, tasks, fetcher.Options{
//	    Workers:     3,
//	    HTTPOptions: httpOpts,
//	    Filter:      filter,
//	})
//	summary := fetcher.Summarize(results)
//	summary.Report(os.Stderr)
//
// Every task yields exactly one Result. Files are written to Dest+".part"
// and renamed into place once they pass verification, so a name in the
// output tree is always a complete file.
//
// # Circuit Breaker
//
// With MaxConsecutiveFailures set, that many failures in a row stop the
// batch and Wait returns a *CircuitBreakerError:
//
//	var cbErr *fetcher.CircuitBreakerError
//	if errors.As(err, &cbErr) {
//	    for _, ft := range cbErr.FailedTasks {
//	        log.Printf("%s: %v", ft.Task.URL, ft.Err)
//	    }
//	}
package fetcher
