// Package http provides the authenticated, retrying HTTP client used for both
// archive listings and file fetches.
//
// This package handles:
//   - Bearer token authentication
//   - A bounded retry loop with a linearly growing backoff (5s, 6s, 7s, ...)
//   - Typed errors for permanent failures and for an exhausted retry budget
//
// # Usage
//
//	client := http.NewClient(http.Options{
//	    Token:         token,
//	    RetryAttempts: 10,
//	    Logger:        logger,
//	})
//
//	body, err := client.Get(ctx, url)
//	var exhausted *http.ExhaustedError
//	if errors.As(err, &exhausted) {
//	    // exhausted.LastStatus
//	}
//
// A Client owns its transport. Concurrent fetch workers each build their own.
package http
