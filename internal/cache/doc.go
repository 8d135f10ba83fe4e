// Package cache provides the TTL cache store shared by parallel detection runs.
//
// MemoryStore keeps entries in a map guarded by its own RWMutex; it never
// shares a lock with the rate limiter. Expired entries are invisible to Get
// immediately and are physically removed by PurgeExpired, which the janitor
// loop in Run calls periodically. When a snapshot path is configured, the
// store is seeded from that JSON file at construction and Flush rewrites it
// atomically, so cached provider lookups survive daemon restarts.
package cache
