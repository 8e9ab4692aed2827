// Package worker runs the consumption loop of one queue pool.
//
// Each dequeued job moves through
//
//	Dequeued -> Dispatched -> Succeeded | RetryScheduled | Failed
//
// or, when shutdown outlasts the grace period, Released (back to the broker
// with its attempt refunded). A job is only acked after its handler returned
// nil.
package worker
