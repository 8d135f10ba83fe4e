// Package ratelimit implements the fixed-window limiter that guards calls to
// the external metadata provider.
//
// Counters are keyed by (resource, window bucket). WindowLimiter keeps them
// in-process and increments with compare-and-swap, so concurrent detection
// runs never race a read-then-write. PostgresLimiter stores the same counters
// in a table and increments them with a single conditional upsert, which lets
// several daemon instances share one provider budget.
package ratelimit
