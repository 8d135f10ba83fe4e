// Package daemon coordinates the long-running sequelwatch process.
//
// It holds a flock-based lock so only one instance touches the database,
// runs the detection batch on a cron schedule followed by a redelivery sweep
// of notifications whose push failed, keeps the enrichment cache janitor
// alive, prunes shared rate-limit windows, and serves the HTTP API.
//
// Detection and delivery logic live in their own packages; the daemon only
// owns startup, shutdown and scheduling.
package daemon
