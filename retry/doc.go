// Package retry wraps calls to rate-limited external services with bounded,
// deterministic exponential backoff, on top of wonton's retry loop.
//
// Only errors classified as Transient are retried. Permanent errors return
// immediately as an *Error with RetriesExhausted false. When a Waiter is
// configured, each attempt first waits for a slot so that local throttling
// never spends an attempt. Cancelling the context stops the loop before the
// next attempt.
package retry
