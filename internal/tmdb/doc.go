// Package tmdb wraps the subset of The Movie Database API used to enrich
// catalog entries.
//
// The client performs title searches for movies and series plus detail and
// season lookups, retrying transient failures (timeouts, 408, 429 and 5xx)
// with capped exponential backoff. Callers are expected to apply their own
// rate limiting and caching; the client itself is stateless apart from its
// HTTP connection pool.
package tmdb
