// Package enrichment confirms catalog entries against the external metadata
// provider without letting the provider's failures reach detection.
//
// Client.Enrich consults the cache first. A hit (positive or negative) never
// touches the rate limiter or the provider. On a miss the client takes one
// slot from the global provider budget; when the budget is exhausted it
// returns no metadata and caches nothing, so the next window retries. Provider
// results are cached with the success TTL, while not-found answers and
// provider failures are cached with the much shorter negative TTL. Only cache
// or limiter backend failures are returned as errors.
package enrichment
