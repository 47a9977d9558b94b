// Package action provides a scheduler and invocation pipeline for wrapping
// a handler with concurrency control, rate limiting, priority scheduling,
// retries with backoff, per-attempt timeouts, cooperative cancellation,
// wide-event observability, progress reporting, and nested invocation
// context propagation.
package action
