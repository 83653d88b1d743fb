// Package retryq wraps persistence operations with bounded retries and an
// in-process replay queue for operations that exhaust their inline
// attempts. The queue is drained on a fixed interval by a background
// scheduler; entries that keep failing are eventually dropped, never
// retried forever.
package retryq
