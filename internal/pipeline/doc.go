// Package pipeline runs the detection batch and the import feeds.
//
// Importer reads JSON-lines files of consumption records and catalog rows,
// normalizes each title and upserts it into the store; malformed lines are
// counted and skipped. Runner executes one detection run per user: load the
// user's consumed entries and the catalog, find successors, enrich the
// candidates through the cache-first client, drop unreleased ones, then
// dispatch notifications and write audit rows in a single transaction.
// RunAll fans users out over a bounded errgroup; a failing user is logged
// and counted without stopping the batch.
package pipeline
